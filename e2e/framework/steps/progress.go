package steps

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startProgressLogger logs how long a wait has been running until the
// returned stop function is called.
func startProgressLogger(ctx context.Context, exec *Context, what string, timeout time.Duration) func() {
	if exec == nil || exec.Logger == nil || exec.Config == nil {
		return func() {}
	}
	interval := exec.Config.ProgressInterval
	if interval <= 0 {
		return func() {}
	}

	progressCtx, cancel := context.WithCancel(ctx)
	start := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return
			case <-ticker.C:
				logProgress(exec, what, time.Since(start), timeout)
			}
		}
	}()

	return cancel
}

func logProgress(exec *Context, what string, elapsed, timeout time.Duration) {
	fields := []zap.Field{
		zap.String("wait", what),
		zap.Duration("elapsed", elapsed),
		zap.Int("poll_sessions", len(exec.Polls())),
	}
	if timeout > 0 {
		fields = append(fields, zap.Duration("timeout", timeout), zap.Duration("remaining", timeout-elapsed))
	}
	exec.Logger.Info("wait progress", fields...)
}
