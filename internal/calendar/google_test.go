package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const eventsJSON = `{"items":[
 {"id":"e1","summary":"Standup","status":"confirmed",
  "start":{"dateTime":"2026-06-01T10:00:00+02:00"},"end":{"dateTime":"2026-06-01T10:30:00+02:00"},
  "organizer":{"email":"boss@example.com"},
  "attendees":[{"email":"me@example.com","self":true,"responseStatus":"needsAction"}]},
 {"id":"e2","status":"confirmed","start":{"date":"2026-06-02"},"end":{"date":"2026-06-03"}},
 {"id":"e3","summary":"Cancelled","status":"cancelled",
  "start":{"dateTime":"2026-06-01T12:00:00Z"},"end":{"dateTime":"2026-06-01T13:00:00Z"}},
 {"id":"e4","summary":"Lunch","status":"confirmed",
  "start":{"dateTime":"2026-06-01T11:00:00Z"},"end":{"dateTime":"2026-06-01T12:00:00Z"},
  "attendees":[{"email":"me@example.com","self":true,"responseStatus":"tentative"}]},
 {"summary":"no id","start":{"date":"2026-06-02"},"end":{"date":"2026-06-03"}}
]}`

type googleFake struct {
	srv         *httptest.Server
	tokenCalls  atomic.Int32
	eventCalls  atomic.Int32
	tokenStatus int
	validToken  string
}

func newGoogleFake(t *testing.T) *googleFake {
	f := &googleFake{tokenStatus: http.StatusOK, validToken: "fresh"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": f.validToken, "expires_in": 3600})
	})
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		f.eventCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+f.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		assert.Equal(t, "startTime", r.URL.Query().Get("orderBy"))
		_, _ = w.Write([]byte(eventsJSON))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *googleFake) adapter(store TokenStore) *GoogleAdapter {
	return NewGoogleAdapter("u1", store, GoogleConfig{
		ClientID: "cid",
		TokenURL: f.srv.URL + "/token",
		APIBase:  f.srv.URL,
		Now:      func() time.Time { return now },
	})
}

func TestGoogleEventsNormalizes(t *testing.T) {
	f := newGoogleFake(t)
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save("u1", Token{AccessToken: "fresh", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)}))

	events, err := f.adapter(store).Events(context.Background(), now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, model.Event{
		ID:             "e1",
		Summary:        "Standup",
		Start:          time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC),
		Response:       model.ResponseNone,
		OrganizerEmail: "boss@example.com",
	}, events[0])

	assert.Equal(t, "Möte", events[1].Summary)
	assert.True(t, events[1].AllDay)
	assert.Equal(t, model.ResponseAccepted, events[1].Response)
	assert.Equal(t, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), events[1].Start)

	assert.Equal(t, model.ResponseTentative, events[2].Response)
	assert.Equal(t, int32(0), f.tokenCalls.Load())
}

func TestGoogleRefreshesExpiringToken(t *testing.T) {
	f := newGoogleFake(t)
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save("u1", Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(time.Minute)}))

	_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	tok, ok, _ := store.Load("u1")
	require.True(t, ok)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
}

func TestGoogleRetriesOnceAfterRevokedAccessToken(t *testing.T) {
	f := newGoogleFake(t)
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save("u1", Token{AccessToken: "revoked", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)}))

	_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.eventCalls.Load())
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestGoogleAuthErrors(t *testing.T) {
	t.Run("no token", func(t *testing.T) {
		f := newGoogleFake(t)
		a := f.adapter(NewMemoryTokenStore())
		assert.False(t, a.Connected())
		_, err := a.Events(context.Background(), now, now.Add(time.Hour))
		assert.True(t, IsAuth(err))
		assert.ErrorIs(t, err, errNoToken)
	})
	t.Run("refresh rejected", func(t *testing.T) {
		f := newGoogleFake(t)
		f.tokenStatus = http.StatusBadRequest
		store := NewMemoryTokenStore()
		_ = store.Save("u1", Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Hour)})
		_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
		var ae *AuthError
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "google", ae.Provider)
	})
	t.Run("expired without refresh token", func(t *testing.T) {
		f := newGoogleFake(t)
		store := NewMemoryTokenStore()
		_ = store.Save("u1", Token{AccessToken: "old", ExpiresAt: now.Add(-time.Hour)})
		_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
		assert.True(t, IsAuth(err))
	})
}

func TestGoogleTransientErrors(t *testing.T) {
	f := newGoogleFake(t)
	f.tokenStatus = http.StatusServiceUnavailable
	store := NewMemoryTokenStore()
	_ = store.Save("u1", Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Hour)})

	_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
	var te *TransientFetchError
	assert.True(t, errors.As(err, &te))
	assert.False(t, IsAuth(err))

	f.srv.Close()
	_ = store.Save("u1", Token{AccessToken: "fresh", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	_, err = f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
	assert.True(t, errors.As(err, &te))
}

func TestStaticAdapter(t *testing.T) {
	in := model.Event{ID: "in", Start: now, End: now.Add(time.Hour)}
	out := model.Event{ID: "out", Start: now.Add(48 * time.Hour), End: now.Add(49 * time.Hour)}
	a := NewStaticAdapter(in, out)

	got, err := a.Events(context.Background(), now, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.Event{in}, got)

	a.Fail(&AuthError{Provider: "static", Err: errors.New("x")})
	_, err = a.Events(context.Background(), now, now.Add(time.Hour))
	assert.True(t, IsAuth(err))

	a.Set(out)
	got, err = a.Events(context.Background(), now, now.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.Event{out}, got)
	assert.Equal(t, 3, a.Calls())
}
