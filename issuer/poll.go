package issuer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adfinis-sygroup/acme-powerdns/acme/client"
)

type pollConfig struct {
	timeout          time.Duration
	maxInterval      time.Duration
	transientRetries int
}

// fetchState fetches the current state of a polled resource. It returns the
// state, an optional server-provided retry hint (zero when the server gave
// none) and an error. Errors of type *client.ProtocolError abort the poll
// immediately; any other error is treated as transient.
type fetchState func(ctx context.Context) (string, time.Duration, error)

// pollUntilTerminal polls fetch until it reports a state in terminal, the
// configured timeout elapses, or a fatal error occurs. Between attempts it
// sleeps according to capped exponential backoff, preferring a server retry
// hint when one was provided. Transient errors are retried up to
// cfg.transientRetries consecutive failures.
//
// On timeout a *PollTimeoutError carrying the last observed non-terminal
// state is returned.
func pollUntilTerminal(ctx context.Context, cfg pollConfig, fetch fetchState, terminal map[string]bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = cfg.maxInterval
	// The deadline is enforced through the context, not the backoff policy.
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastState string
	transientFailures := 0
	for {
		state, hint, err := fetch(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return lastState, &PollTimeoutError{LastState: lastState}
		case err != nil:
			var protoErr *client.ProtocolError
			if errors.As(err, &protoErr) {
				return lastState, err
			}
			transientFailures++
			if transientFailures > cfg.transientRetries {
				return lastState, err
			}
		default:
			transientFailures = 0
			lastState = state
			if terminal[state] {
				return state, nil
			}
		}

		wait := bo.NextBackOff()
		if hint > 0 {
			wait = hint
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastState, &PollTimeoutError{LastState: lastState}
		case <-timer.C:
		}
	}
}

// terminalStates builds a terminal-state set from the given states.
func terminalStates(states ...string) map[string]bool {
	terminal := make(map[string]bool, len(states))
	for _, state := range states {
		terminal[state] = true
	}
	return terminal
}
