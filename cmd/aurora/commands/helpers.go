package commands

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runIndexAction times fn and records it in the audit log.
func runIndexAction(ctx context.Context, log *slog.Logger, engine *retrieval.Engine, action audit.IndexAction, trigger string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	audit.LogIndexEvent(ctx, log, audit.IndexEvent{
		Action:   action,
		Trigger:  trigger,
		Entries:  engine.Status().Entries,
		Duration: time.Since(start),
		Err:      err,
	})
	return err
}
