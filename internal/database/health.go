package database

import (
	"context"
	"fmt"
)

// Health reports the reachability of each dependency by name.
type Health map[string]string

// Check pings every named dependency and reports "ok" or the error text.
// The returned error is non-nil if any check failed.
func Check(ctx context.Context, checks map[string]func(context.Context) error) (Health, error) {
	h := make(Health, len(checks))
	var failed int
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			h[name] = err.Error()
			failed++
			continue
		}
		h[name] = "ok"
	}
	if failed > 0 {
		return h, fmt.Errorf("%d dependency checks failed", failed)
	}
	return h, nil
}
