package commands

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/54b3r/aurora-rag/internal/embedder"
)

// progressEnabled reports whether stderr is an interactive terminal.
func progressEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// embedProgress draws a bar on w while a build embeds the corpus. The bar is
// created on the first report, when the total is known.
type embedProgress struct {
	w   io.Writer
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// report implements embedder.Progress.
func (p *embedProgress) report(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("embedding"),
			progressbar.OptionSetWidth(32),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	_ = p.bar.Set(done)
}

// finish clears the bar if one was drawn.
func (p *embedProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// withEmbedProgress attaches a progress bar to ctx when enabled. The
// returned function must be called once the build is over.
func withEmbedProgress(ctx context.Context, w io.Writer, enabled bool) (context.Context, func()) {
	if !enabled {
		return ctx, func() {}
	}
	p := &embedProgress{w: w}
	return embedder.WithProgress(ctx, p.report), p.finish
}
