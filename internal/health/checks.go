package health

import (
	"context"
	"strings"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the ledger database answers a ping within timeout.
func Database(db Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Loops reports unhealthy when any observer or executor loop has stopped.
// stalled is typically (*scheduler.Group).Stalled.
func Loops(stalled func() []string) Checker {
	return func(_ context.Context) Status {
		if names := stalled(); len(names) > 0 {
			return Status{Name: "loops", Healthy: false, Detail: "stopped: " + strings.Join(names, ", ")}
		}
		return Status{Name: "loops", Healthy: true}
	}
}

// Chain reports the payment sources whose chain circuit is open. An open
// circuit degrades reconciliation for that source but does not fail the
// process, so the check stays healthy and only carries the detail.
func Chain(open func() []string) Checker {
	return func(_ context.Context) Status {
		if names := open(); len(names) > 0 {
			return Status{Name: "chain", Healthy: true, Detail: "circuit open: " + strings.Join(names, ", ")}
		}
		return Status{Name: "chain", Healthy: true}
	}
}
