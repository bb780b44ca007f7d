package observability

import "context"

// Checker reports the health of one dependency. Check must honour ctx.
type Checker interface {
	// Name identifies the component in the readiness body (e.g. "postgres").
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	Component string
	Fn        func(ctx context.Context) error
}

func (c CheckerFunc) Name() string { return c.Component }

func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
