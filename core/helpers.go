package orchestration

import (
	"context"
	"fmt"
)

type workerRun func() error

func panicSafeNamedWorker(name string, run func() error) workerRun {
	return func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		return run()
	}
}

// contextErrOr prefers the context error, so cancelled work is never reported
// as a stage failure.
func contextErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
