package keep

import "context"

// Progress receives stage and byte-count updates from long operations.
type Progress interface {
	Stage(name string)
	SetTotal(n int64)
	Add(n int64)
}

type nopProgress struct{}

func (nopProgress) Stage(string)   {}
func (nopProgress) SetTotal(int64) {}
func (nopProgress) Add(int64)      {}

type progressKey struct{}

// WithProgress returns a context that carries p to engine operations.
func WithProgress(ctx context.Context, p Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

// ProgressFrom returns the Progress carried by ctx, or one that discards updates.
func ProgressFrom(ctx context.Context) Progress {
	if p, ok := ctx.Value(progressKey{}).(Progress); ok && p != nil {
		return p
	}
	return nopProgress{}
}

// progressWriter counts bytes written through it.
type progressWriter struct {
	p Progress
}

func (w progressWriter) Write(b []byte) (int, error) {
	w.p.Add(int64(len(b)))
	return len(b), nil
}
