package gateway

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/omalloc/scangate/contrib/log"
)

// breakerSettings builds the consecutive-failure trip policy shared by
// both external services: N straight failures open the breaker, one
// probe is allowed after the recovery timeout, and its outcome decides
// between closed and open again.
func breakerSettings(name string, failures uint32, recovery time.Duration) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
			breakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func isBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
