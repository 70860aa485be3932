package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a store capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// StoreCheck builds the readiness probe for the job store. PostgreSQL is the
// only stateful dependency, so readiness reduces to one ping.
func StoreCheck(pool Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil { return fmt.Errorf("store not configured") }
		return pool.Ping(ctx)
	}
}
