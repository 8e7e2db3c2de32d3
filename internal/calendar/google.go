package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const (
	DefaultGoogleAPIBase  = "https://www.googleapis.com/calendar/v3"
	DefaultGoogleTokenURL = "https://oauth2.googleapis.com/token"

	providerGoogle = "google"
)

// GoogleConfig carries the OAuth client and endpoint settings.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBase      string

	HTTPClient *http.Client
	Now        func() time.Time
}

// GoogleAdapter reads the primary calendar of one user through the Google
// Calendar REST API.
type GoogleAdapter struct {
	user    model.UserID
	apiBase string
	tokens  *refresher
}

func NewGoogleAdapter(user model.UserID, store TokenStore, cfg GoogleConfig) *GoogleAdapter {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultGoogleTokenURL
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultGoogleAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GoogleAdapter{
		user:    user,
		apiBase: cfg.APIBase,
		tokens: &refresher{
			provider:     providerGoogle,
			user:         user,
			store:        store,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			tokenURL:     cfg.TokenURL,
			client:       cfg.HTTPClient,
			now:          cfg.Now,
		},
	}
}

// Connected reports whether a token has been installed for the user.
func (g *GoogleAdapter) Connected() bool { return g.tokens.connected() }

// Events lists events between startUTC and endUTC, expanding recurring
// series into single instances.
func (g *GoogleAdapter) Events(ctx context.Context, startUTC, endUTC time.Time) ([]model.Event, error) {
	q := url.Values{}
	q.Set("timeMin", startUTC.UTC().Format(time.RFC3339))
	q.Set("timeMax", endUTC.UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", "100")

	body, err := g.tokens.getWithRetry(ctx, g.apiBase+"/calendars/primary/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp googleEventsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TransientFetchError{Provider: providerGoogle, Err: fmt.Errorf("parse events response: %w", err)}
	}

	events := make([]model.Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev, err := convertGoogleEvent(item)
		if err != nil {
			appLog.Debug("google event skipped", "user", g.user, "id", item.ID, "reason", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

type googleEventsResponse struct {
	Items []googleEvent `json:"items"`
}

type googleEvent struct {
	ID        string           `json:"id"`
	Summary   string           `json:"summary"`
	Status    string           `json:"status"`
	Start     googleDateTime   `json:"start"`
	End       googleDateTime   `json:"end"`
	Organizer *googlePerson    `json:"organizer,omitempty"`
	Attendees []googleAttendee `json:"attendees,omitempty"`
}

type googleDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type googlePerson struct {
	Email string `json:"email"`
}

type googleAttendee struct {
	Email          string `json:"email"`
	ResponseStatus string `json:"responseStatus,omitempty"`
	Self           bool   `json:"self,omitempty"`
}

func convertGoogleEvent(item googleEvent) (model.Event, error) {
	if item.ID == "" {
		return model.Event{}, errors.New("missing id")
	}
	if item.Status == "cancelled" {
		return model.Event{}, errors.New("cancelled")
	}

	ev := model.Event{
		ID:       item.ID,
		Summary:  item.Summary,
		Response: model.ResponseAccepted, // default for events you created
	}
	if ev.Summary == "" {
		ev.Summary = "Möte"
	}

	// All-day events use "date", timed events use "dateTime".
	if item.Start.DateTime == "" || item.End.DateTime == "" {
		if item.Start.Date == "" || item.End.Date == "" {
			return model.Event{}, errors.New("missing start/end")
		}
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse start date: %w", err)
		}
		end, err := time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse end date: %w", err)
		}
		ev.Start, ev.End, ev.AllDay = start, end, true
	} else {
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse start time: %w", err)
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse end time: %w", err)
		}
		ev.Start, ev.End = start.UTC(), end.UTC()
	}

	for _, a := range item.Attendees {
		if a.Self {
			ev.Response = model.ParseResponse(a.ResponseStatus)
			break
		}
	}
	if item.Organizer != nil {
		ev.OrganizerEmail = item.Organizer.Email
	}
	return ev, nil
}
