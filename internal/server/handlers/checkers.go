package handlers

import (
	"context"
	"errors"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type readier interface {
	Ready() bool
}

// StoreChecker reports the job database as healthy while it answers pings.
func StoreChecker(p pinger) HealthChecker {
	return CheckerFunc(p.Ping)
}

// EngineChecker reports the job engine as healthy between Start and Shutdown.
func EngineChecker(r readier) HealthChecker {
	return CheckerFunc(func(context.Context) error {
		if !r.Ready() {
			return errors.New("job engine not accepting work")
		}
		return nil
	})
}
