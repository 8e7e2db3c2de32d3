package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
)

const graphPage1 = `{"value":[
 {"id":"m1","subject":"Standup","isAllDay":false,"isCancelled":false,
  "start":{"dateTime":"2026-06-01T08:00:00.0000000","timeZone":"UTC"},
  "end":{"dateTime":"2026-06-01T08:30:00.0000000","timeZone":"UTC"},
  "responseStatus":{"response":"notResponded"},
  "organizer":{"emailAddress":{"address":"boss@example.com"}}},
 {"id":"m2","subject":"","isAllDay":true,
  "start":{"dateTime":"2026-06-02T00:00:00.0000000","timeZone":"UTC"},
  "end":{"dateTime":"2026-06-03T00:00:00.0000000","timeZone":"UTC"},
  "responseStatus":{"response":"organizer"}},
 {"id":"m3","subject":"Inställt","isCancelled":true,
  "start":{"dateTime":"2026-06-01T12:00:00.0000000","timeZone":"UTC"},
  "end":{"dateTime":"2026-06-01T13:00:00.0000000","timeZone":"UTC"}}
],"@odata.nextLink":"%NEXT%"}`

const graphPage2 = `{"value":[
 {"id":"m4","subject":"Lunch",
  "start":{"dateTime":"2026-06-01T11:00:00.0000000","timeZone":"UTC"},
  "end":{"dateTime":"2026-06-01T12:00:00.0000000","timeZone":"UTC"},
  "responseStatus":{"response":"tentativelyAccepted"}},
 {"id":"m5","subject":"Nej tack",
  "start":{"dateTime":"2026-06-01T14:00:00.0000000","timeZone":"UTC"},
  "end":{"dateTime":"2026-06-01T15:00:00.0000000","timeZone":"UTC"},
  "responseStatus":{"response":"declined"}}
]}`

type graphFake struct {
	srv         *httptest.Server
	tokenCalls  atomic.Int32
	pageCalls   atomic.Int32
	tokenStatus int
	// rotate, when set, is returned as the new refresh token.
	rotate string
}

func newGraphFake(t *testing.T) *graphFake {
	f := &graphFake{tokenStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "https://app.example.com/callback", r.PostForm.Get("redirect_uri"))
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			return
		}
		resp := map[string]any{"access_token": "fresh", "expires_in": 3600}
		if f.rotate != "" {
			resp["refresh_token"] = f.rotate
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/me/calendarView", func(w http.ResponseWriter, r *http.Request) {
		f.pageCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, `outlook.timezone="UTC"`, r.Header.Get("Prefer"))
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(graphPage2))
			return
		}
		assert.Equal(t, "2026-06-01T08:00:00Z", r.URL.Query().Get("startDateTime"))
		next := f.srv.URL + "/me/calendarView?page=2"
		_, _ = w.Write([]byte(replaceNext(graphPage1, next)))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func replaceNext(page, next string) string {
	quoted, _ := json.Marshal(next)
	return strings.Replace(page, `"%NEXT%"`, string(quoted), 1)
}

func (f *graphFake) adapter(store TokenStore) *MicrosoftAdapter {
	return NewMicrosoftAdapter("u1", store, MicrosoftConfig{
		ClientID:    "cid",
		RedirectURI: "https://app.example.com/callback",
		TokenURL:    f.srv.URL + "/tenant/token",
		APIBase:     f.srv.URL,
		Now:         func() time.Time { return now },
	})
}

func TestMicrosoftEventsNormalizesAndPages(t *testing.T) {
	f := newGraphFake(t)
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save("u1", Token{AccessToken: "fresh", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)}))

	events, err := f.adapter(store).Events(context.Background(), now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, int32(2), f.pageCalls.Load())
	assert.Equal(t, int32(0), f.tokenCalls.Load())

	assert.Equal(t, model.Event{
		ID:             "m1",
		Summary:        "Standup",
		Start:          time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC),
		Response:       model.ResponseNone,
		OrganizerEmail: "boss@example.com",
	}, events[0])

	assert.Equal(t, "m2", events[1].ID)
	assert.True(t, events[1].AllDay)
	assert.Equal(t, "Möte", events[1].Summary)
	assert.Equal(t, model.ResponseAccepted, events[1].Response)
	assert.Equal(t, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), events[1].Start)

	assert.Equal(t, model.ResponseTentative, events[2].Response)
	assert.Equal(t, model.ResponseDeclined, events[3].Response)
}

func TestMicrosoftRefreshKeepsRefreshToken(t *testing.T) {
	f := newGraphFake(t)
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save("u1", Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(90 * time.Second)}))

	_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "refreshed inside the two minute window")

	tok, _, _ := store.Load("u1")
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)

	f.rotate = "rt2"
	require.NoError(t, store.Save("u1", Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now}))
	_, err = f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
	require.NoError(t, err)
	tok, _, _ = store.Load("u1")
	assert.Equal(t, "rt2", tok.RefreshToken)
}

func TestMicrosoftErrors(t *testing.T) {
	t.Run("no token", func(t *testing.T) {
		f := newGraphFake(t)
		a := f.adapter(NewMemoryTokenStore())
		assert.False(t, a.Connected())
		_, err := a.Events(context.Background(), now, now.Add(time.Hour))
		assert.True(t, IsAuth(err))
	})
	t.Run("revoked refresh token", func(t *testing.T) {
		f := newGraphFake(t)
		f.tokenStatus = http.StatusBadRequest
		store := NewMemoryTokenStore()
		_ = store.Save("u1", Token{AccessToken: "revoked", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
		_, err := f.adapter(store).Events(context.Background(), now, now.Add(time.Hour))
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "microsoft", ae.Provider)
		assert.Equal(t, int32(1), f.pageCalls.Load())
	})
	t.Run("provider down", func(t *testing.T) {
		f := newGraphFake(t)
		store := NewMemoryTokenStore()
		_ = store.Save("u1", Token{AccessToken: "fresh", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
		a := f.adapter(store)
		f.srv.Close()
		_, err := a.Events(context.Background(), now, now.Add(time.Hour))
		var te *TransientFetchError
		assert.ErrorAs(t, err, &te)
		assert.False(t, IsAuth(err))
	})
}

func TestMicrosoftTokenURL(t *testing.T) {
	assert.Equal(t, "https://login.microsoftonline.com/common/oauth2/v2.0/token", MicrosoftTokenURL(""))
	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/token", MicrosoftTokenURL("contoso"))
}
