// Command aurora answers natural language questions about Aurora member
// messages. It provides a CLI interface (via Cobra) and an HTTP server that
// exposes the same question answering over /ask.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/aurora-rag/cmd/aurora/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
