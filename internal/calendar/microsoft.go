package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const (
	DefaultMicrosoftAPIBase = "https://graph.microsoft.com/v1.0"
	// DefaultMicrosoftTenant accepts both work and personal accounts.
	DefaultMicrosoftTenant = "common"

	providerMicrosoft = "microsoft"

	// graphMaxPages bounds @odata.nextLink paging for one fetch.
	graphMaxPages   = 10
	graphTimeLayout = "2006-01-02T15:04:05.9999999"
)

// MicrosoftTokenURL returns the v2.0 token endpoint for tenant.
func MicrosoftTokenURL(tenant string) string {
	if tenant == "" {
		tenant = DefaultMicrosoftTenant
	}
	return "https://login.microsoftonline.com/" + url.PathEscape(tenant) + "/oauth2/v2.0/token"
}

// MicrosoftConfig carries the Entra ID app registration and endpoints.
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	RedirectURI  string
	// TokenURL overrides the endpoint derived from Tenant.
	TokenURL string
	APIBase  string

	HTTPClient *http.Client
	Now        func() time.Time
}

// MicrosoftAdapter reads one user's default calendar through Microsoft Graph.
type MicrosoftAdapter struct {
	user    model.UserID
	apiBase string
	tokens  *refresher
}

func NewMicrosoftAdapter(user model.UserID, store TokenStore, cfg MicrosoftConfig) *MicrosoftAdapter {
	if cfg.TokenURL == "" {
		cfg.TokenURL = MicrosoftTokenURL(cfg.Tenant)
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultMicrosoftAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MicrosoftAdapter{
		user:    user,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		tokens: &refresher{
			provider:     providerMicrosoft,
			user:         user,
			store:        store,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			tokenURL:     cfg.TokenURL,
			extra:        url.Values{"redirect_uri": {cfg.RedirectURI}},
			client:       cfg.HTTPClient,
			now:          cfg.Now,
		},
	}
}

// Connected reports whether a token has been installed for the user.
func (m *MicrosoftAdapter) Connected() bool { return m.tokens.connected() }

// Events lists events between startUTC and endUTC. calendarView expands
// recurring series into occurrences, each with its own id.
func (m *MicrosoftAdapter) Events(ctx context.Context, startUTC, endUTC time.Time) ([]model.Event, error) {
	q := url.Values{}
	q.Set("startDateTime", startUTC.UTC().Format(time.RFC3339))
	q.Set("endDateTime", endUTC.UTC().Format(time.RFC3339))
	q.Set("$top", "100")
	q.Set("$select", "id,subject,start,end,isAllDay,isCancelled,responseStatus,organizer")
	next := m.apiBase + "/me/calendarView?" + q.Encode()

	header := http.Header{}
	header.Set("Prefer", `outlook.timezone="UTC"`)

	var events []model.Event
	for page := 0; next != ""; page++ {
		if page == graphMaxPages {
			appLog.Warn("microsoft calendar truncated", "user", m.user, "pages", page)
			break
		}
		body, err := m.tokens.getWithRetry(ctx, next, header)
		if err != nil {
			return nil, err
		}

		var resp graphEventsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &TransientFetchError{Provider: providerMicrosoft, Err: fmt.Errorf("parse events response: %w", err)}
		}
		for _, item := range resp.Value {
			ev, err := convertGraphEvent(item)
			if err != nil {
				appLog.Debug("microsoft event skipped", "user", m.user, "id", item.ID, "reason", err.Error())
				continue
			}
			events = append(events, ev)
		}
		next = resp.NextLink
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

type graphEventsResponse struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink,omitempty"`
}

type graphEvent struct {
	ID             string         `json:"id"`
	Subject        string         `json:"subject"`
	IsAllDay       bool           `json:"isAllDay"`
	IsCancelled    bool           `json:"isCancelled"`
	Start          graphDateTime  `json:"start"`
	End            graphDateTime  `json:"end"`
	ResponseStatus *graphResponse `json:"responseStatus,omitempty"`
	Organizer      *struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"organizer,omitempty"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphResponse struct {
	Response string `json:"response"`
}

func (d graphDateTime) parse() (time.Time, error) {
	loc := time.UTC
	if d.TimeZone != "" && d.TimeZone != "UTC" {
		l, err := time.LoadLocation(d.TimeZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown time zone %q", d.TimeZone)
		}
		loc = l
	}
	return time.ParseInLocation(graphTimeLayout, d.DateTime, loc)
}

// graphResponseOf maps Graph's responseStatus.response onto Response.
func graphResponseOf(s string) model.Response {
	switch s {
	case "accepted", "organizer":
		return model.ResponseAccepted
	case "tentativelyAccepted":
		return model.ResponseTentative
	case "declined":
		return model.ResponseDeclined
	default:
		// none, notResponded
		return model.ResponseNone
	}
}

func convertGraphEvent(item graphEvent) (model.Event, error) {
	if item.ID == "" {
		return model.Event{}, errors.New("missing id")
	}
	if item.IsCancelled {
		return model.Event{}, errors.New("cancelled")
	}
	start, err := item.Start.parse()
	if err != nil {
		return model.Event{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := item.End.parse()
	if err != nil {
		return model.Event{}, fmt.Errorf("parse end: %w", err)
	}

	ev := model.Event{
		ID:       item.ID,
		Summary:  item.Subject,
		Response: model.ResponseAccepted,
		AllDay:   item.IsAllDay,
	}
	if ev.Summary == "" {
		ev.Summary = "Möte"
	}
	if item.IsAllDay {
		// All-day events carry calendar dates; keep the date at UTC midnight.
		ev.Start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		ev.End = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		ev.Start, ev.End = start.UTC(), end.UTC()
	}
	if item.ResponseStatus != nil {
		ev.Response = graphResponseOf(item.ResponseStatus.Response)
	}
	if item.Organizer != nil {
		ev.OrganizerEmail = item.Organizer.EmailAddress.Address
	}
	return ev, nil
}
