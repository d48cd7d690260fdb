package tools

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

// ReliableInvoker wraps another Invoker with bounded retries and a circuit
// breaker. Handlers are required to be idempotent, so a retried call is safe.
// Permanent failures (unknown tool, cancelled context) are not retried.
type ReliableInvoker struct {
	next     Invoker
	cb       *gobreaker.CircuitBreaker
	attempts uint
	timeout  time.Duration
}

type ReliableOptions struct {
	Attempts uint
	Timeout  time.Duration
}

func NewReliableInvoker(next Invoker, opts ReliableOptions) *ReliableInvoker {
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tool-invoker",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &ReliableInvoker{next: next, cb: cb, attempts: opts.Attempts, timeout: opts.Timeout}
}

func (w *ReliableInvoker) Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	var result map[string]any
	_, err := w.cb.Execute(func() (any, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				if errors.Is(err, ErrUnknownTool) {
					return false
				}
				return ctx.Err() == nil
			}),
		)
		return nil, r.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()
			var callErr error
			result, callErr = w.next.Invoke(callCtx, toolName, params)
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
