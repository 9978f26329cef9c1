// Package source adapts upstream data providers into the pipeline's
// fetch contract: strictly-newer-than-watermark, de-duplicated,
// all-or-nothing batches.
package source

import (
	"context"
	"time"
)

// RawItem is a single observation as the upstream hands it to us. The
// pipeline assumes nothing about the upstream protocol, only that items
// carry a timestamp and a stable identity.
type RawItem struct {
	Symbol     string
	Price      float64
	Volume     float64
	MarketCap  float64
	ObservedAt time.Time
}

// Source is an upstream collaborator.
type Source interface {
	// ID returns the stable source identifier (e.g. "coinmarketcap").
	ID() string

	// List returns items observed after since. Ordering and exact-boundary
	// behavior are not guaranteed by the upstream; the adapter enforces
	// both.
	List(ctx context.Context, since time.Time) ([]RawItem, error)

	// HasNewer is the cheap existence check used as the scheduler's guard
	// predicate. It must not transfer the actual data.
	HasNewer(ctx context.Context, since time.Time) (bool, error)
}

var (
	_ Source = (*RESTSource)(nil)
	_ Source = (*TickerStream)(nil)
)
