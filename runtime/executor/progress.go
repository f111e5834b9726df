package executor

import "context"

type progressKey struct{}

// WithProgress attaches a progress callback to the context. Module contexts
// built under this context report progress through it; streams use this to
// surface in-flight work without coupling the executor to the stream layer.
func WithProgress(ctx context.Context, fn func(message string)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func progressFrom(ctx context.Context) func(string) {
	fn, _ := ctx.Value(progressKey{}).(func(string))
	return fn
}
