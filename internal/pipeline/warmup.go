package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// warmup is the per-run result of SynthesisSource.Prepare. It completes once
// and may be awaited by any number of sentence paths.
type warmup struct {
	done chan struct{}
	err  error
}

func startWarmup(ctx context.Context, p *pool, timeout time.Duration, prepare func(context.Context) error, logger *slog.Logger) *warmup {
	w := &warmup{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		if err := p.acquire(ctx); err != nil {
			w.err = err
			return
		}
		defer p.release()

		callCtx, cancel := withDeadline(ctx, timeout, errSynthesisDeadline)
		defer cancel()

		w.err = prepare(callCtx)
		if w.err != nil && ctx.Err() == nil {
			logger.Warn("synthesis warm-up failed, continuing without it", slogError(w.err))
		}
	}()
	return w
}

// wait blocks until warm-up has finished. Warm-up failures are not returned;
// only cancellation of ctx is.
func (w *warmup) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
