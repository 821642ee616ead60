package embedder

import "context"

// Progress is told how many of total texts have been embedded after each
// completed request.
type Progress func(done, total int)

type progressKey struct{}

// WithProgress returns a copy of ctx that reports embedding progress to p.
// Embed calls made with the returned context invoke p from the calling
// goroutine.
func WithProgress(ctx context.Context, p Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

// progressFromContext returns the Progress stored in ctx, or a no-op.
func progressFromContext(ctx context.Context) Progress {
	if p, ok := ctx.Value(progressKey{}).(Progress); ok && p != nil {
		return p
	}
	return func(int, int) {}
}
