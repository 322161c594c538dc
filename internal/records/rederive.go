package records

import "context"

// Rederiver regenerates derived records from current source content. It
// returns once the given ids have been re-derived or have failed.
type Rederiver interface {
	Rederive(ctx context.Context, ids []string) error
}

// NopRederiver leaves records as they are. Stale flags set by the caller
// stay in place until something else refreshes them.
type NopRederiver struct{}

// Rederive does nothing.
func (NopRederiver) Rederive(context.Context, []string) error { return nil }

// RederiverFunc adapts a function to the Rederiver interface.
type RederiverFunc func(ctx context.Context, ids []string) error

// Rederive calls f.
func (f RederiverFunc) Rederive(ctx context.Context, ids []string) error { return f(ctx, ids) }
