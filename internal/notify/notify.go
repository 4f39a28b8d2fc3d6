// ABOUTME: Operator alert sink consumed by the supervisor and dispatch pipeline
// ABOUTME: Alerts are fire-and-forget; a failed alert is logged, never re-alerted

package notify

import "context"

// Alert is one operational notification for the human operator.
type Alert struct {
	Subject string
	Text    string
}

// Notifier delivers alerts. Implementations must treat delivery as best
// effort: callers never retry and never alert on a failed alert.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, alert Alert) error

func (f Func) Send(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}
