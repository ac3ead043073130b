// Package gateway defines the uniform exchange contract the engine depends
// on. One implementation exists per exchange; the core never sees
// exchange-specific wire formats.
package gateway

import (
	"context"

	"hedge-grid/internal/core"
)

type Gateway interface {
	Name() string

	// EnsureHedgeMode verifies dual-position mode is active, attempting to
	// enable it once. Returns core.ErrHedgeModeRequired when it cannot.
	EnsureHedgeMode(ctx context.Context) error
	SetLeverage(ctx context.Context, leverage int) error
	Rules(ctx context.Context) (core.Rules, error)

	FetchPositions(ctx context.Context) (core.Positions, error)
	FetchOpenOrders(ctx context.Context) ([]core.Order, error)
	PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Stream connects the event feed. Events arrive on the first channel
	// until the stream dies; a terminal error is then delivered on the
	// second channel and both are closed.
	Stream(ctx context.Context) (<-chan core.Event, <-chan error, error)
}
