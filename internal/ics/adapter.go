package ics

import (
	"context"
	"fmt"
	"time"

	"remindcal/internal/calendar"
	"remindcal/internal/model"
)

// Adapter exposes one ICS subscription as a calendar.Adapter.
type Adapter struct {
	fetcher   *Fetcher
	source    Source
	selfEmail string
}

var _ calendar.Adapter = (*Adapter)(nil)

// NewAdapter builds an adapter for src. selfEmail is the subscriber's address
// as it appears in ATTENDEE lines; it decides the per-event response.
func NewAdapter(fetcher *Fetcher, src Source, selfEmail string) *Adapter {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	return &Adapter{fetcher: fetcher, source: src, selfEmail: selfEmail}
}

func (a *Adapter) Events(ctx context.Context, startUTC, endUTC time.Time) ([]model.Event, error) {
	res, err := a.fetcher.FetchOne(ctx, a.source)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseICS(a.source, res.Body, a.selfEmail)
	if err != nil {
		return nil, &calendar.TransientFetchError{Provider: providerICS, Err: fmt.Errorf("parse: %w", err)}
	}
	events, err := Expand(parsed, ExpandConfig{RangeStart: startUTC, RangeEnd: endUTC})
	if err != nil {
		return nil, &calendar.TransientFetchError{Provider: providerICS, Err: err}
	}
	return events, nil
}
