package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remindcal/internal/model"
)

// Adapter is the single capability the watcher needs from a calendar
// provider. One adapter instance belongs to one user; it owns token refresh
// and reports unrecoverable credentials as *AuthError.
type Adapter interface {
	Events(ctx context.Context, startUTC, endUTC time.Time) ([]model.Event, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, startUTC, endUTC time.Time) ([]model.Event, error)

func (f AdapterFunc) Events(ctx context.Context, startUTC, endUTC time.Time) ([]model.Event, error) {
	return f(ctx, startUTC, endUTC)
}

// AuthError means the user's token is missing, invalid or cannot be
// refreshed. It is not retried until the user reconnects.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication required: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientFetchError covers network failures, timeouts and provider-side
// errors. The next watcher cycle retries naturally.
type TransientFetchError struct {
	Provider string
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s: fetch failed: %v", e.Provider, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// StaticAdapter serves a fixed, replaceable event list. It backs demo users
// and tests.
type StaticAdapter struct {
	mu     sync.RWMutex
	events []model.Event
	err    error
	calls  int
}

func NewStaticAdapter(events ...model.Event) *StaticAdapter {
	return &StaticAdapter{events: events}
}

// Set replaces the served events and clears any configured error.
func (s *StaticAdapter) Set(events ...model.Event) {
	s.mu.Lock()
	s.events = events
	s.err = nil
	s.mu.Unlock()
}

// Fail makes subsequent calls return err.
func (s *StaticAdapter) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Calls returns how many times Events was invoked.
func (s *StaticAdapter) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *StaticAdapter) Events(_ context.Context, startUTC, endUTC time.Time) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.End.After(startUTC) && ev.Start.Before(endUTC) {
			out = append(out, ev)
		}
	}
	return out, nil
}
