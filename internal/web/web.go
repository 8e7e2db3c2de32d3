package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"remindcal/internal/calendar"
	"remindcal/internal/config"
	"remindcal/internal/dialogue"
	"remindcal/internal/ics"
	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/registry"
	"remindcal/internal/slots"
)

const (
	maxBodyBytes = 64 << 10
	maxLongPoll  = 60 * time.Second
	maxSlots     = 20
)

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Registry *registry.Registry
	Dialogue *dialogue.Engine
	Tokens   calendar.TokenStore
	Fetcher  *ics.Fetcher
	// Metrics serves /metrics; nil disables the route.
	Metrics http.Handler
	Now     func() time.Time
}

// Server exposes sessions, chat, event polling and calendar helpers.
type Server struct {
	cfg  *config.Config
	deps Deps
	loc  *time.Location
	wd   slots.Workday
	mux  *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tokens == nil {
		deps.Tokens = calendar.NewMemoryTokenStore()
	}
	if deps.Fetcher == nil {
		deps.Fetcher = ics.NewFetcher(nil)
	}
	start, end, slot := cfg.WorkdayBounds()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		loc:  cfg.Location(),
		wd:   slots.Workday{Start: start, End: end, Slot: slot},
		mux:  http.NewServeMux(),
	}
	if s.deps.Dialogue == nil {
		s.deps.Dialogue = dialogue.NewEngine(dialogue.Options{Location: s.loc, StopWords: cfg.StopWords, Workday: s.wd})
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="remindcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/session", s.handleSession)

	s.mux.HandleFunc("POST /api/users/{id}/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/users/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/users/{id}/calendar", s.handleCalendar)
	s.mux.HandleFunc("GET /api/users/{id}/slots", s.handleSlots)
	s.mux.HandleFunc("GET /api/users/{id}/reminders", s.handleListReminders)
	s.mux.HandleFunc("POST /api/users/{id}/reminders", s.handleCreateReminder)
	s.mux.HandleFunc("DELETE /api/users/{id}/reminders", s.handleClearReminders)
	s.mux.HandleFunc("PUT /api/users/{id}/ics", s.handleAttachICS)
	s.mux.HandleFunc("PUT /api/users/{id}/google-token", s.handleGoogleToken)
	s.mux.HandleFunc("PUT /api/users/{id}/microsoft-token", s.handleMicrosoftToken)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type sessionResponse struct {
	UserID model.UserID `json:"user_id"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	id := s.deps.Registry.NewUser()
	writeJSON(w, http.StatusCreated, sessionResponse{UserID: id})
}

// userID resolves the {id} path value and writes 404 for unknown users.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (model.UserID, bool) {
	id := model.UserID(r.PathValue("id"))
	if id == "" || !s.deps.Registry.Has(id) {
		writeError(w, http.StatusNotFound, "unknown user")
		return "", false
	}
	return id, true
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reply, err := s.deps.Registry.Converse(id, s.deps.Dialogue, req.Message)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

type eventsResponse struct {
	Events []model.OutboundEvent `json:"events"`
}

// handleEvents drains the user's queue. With ?wait=<duration> it holds the
// request until an event arrives or the wait elapses.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}

	events, _ := s.deps.Registry.Drain(id)
	if wait := parseWait(r.URL.Query().Get("wait")); len(events) == 0 && wait > 0 {
		notify, _ := s.deps.Registry.Notify(id)
		timer := time.NewTimer(wait)
		defer timer.Stop()
	poll:
		for len(events) == 0 {
			select {
			case <-notify:
				events, _ = s.deps.Registry.Drain(id)
			case <-timer.C:
				break poll
			case <-r.Context().Done():
				return
			}
		}
	}
	if events == nil {
		events = []model.OutboundEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func parseWait(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if secs, err2 := strconv.Atoi(v); err2 == nil {
			d = time.Duration(secs) * time.Second
		}
	}
	if d > maxLongPoll {
		d = maxLongPoll
	}
	if d < 0 {
		d = 0
	}
	return d
}

type calendarResponse struct {
	Connected           bool          `json:"connected"`
	FetchedAt           *time.Time    `json:"fetched_at,omitempty"`
	Events              []model.Event `json:"events"`
	AuthFailed          bool          `json:"auth_failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	ReportedConflicts   []string      `json:"reported_conflicts"`
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	resp := calendarResponse{Events: []model.Event{}}
	_ = s.deps.Registry.View(id, func(st *registry.State) {
		resp.Connected = st.Adapter != nil
		resp.AuthFailed = st.AuthFailed
		resp.ConsecutiveFailures = st.ConsecutiveFailures
		resp.LastError = st.LastError
		resp.ReportedConflicts = st.Reported.IDs()
		if st.Snapshot != nil {
			at := st.Snapshot.FetchedAt
			resp.FetchedAt = &at
			resp.Events = append(resp.Events, st.Snapshot.Events...)
		}
	})
	writeJSON(w, http.StatusOK, resp)
}

type slotsResponse struct {
	Slots []slots.Interval `json:"slots"`
	Text  string           `json:"text"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	days, n := s.slotQuery(r)

	snap, _ := s.deps.Registry.Snapshot(id)
	if snap == nil {
		writeError(w, http.StatusConflict, "calendar not loaded yet")
		return
	}
	now := s.deps.Now()
	found := slots.Suggest(now, days, slots.BusyFromEvents(snap.Events), n, s.wd, s.loc)
	writeJSON(w, http.StatusOK, slotsResponse{
		Slots: found,
		Text:  s.deps.Dialogue.SuggestText(snap.Events, now),
	})
}

// slotQuery reads ?days and ?n. days never reaches past the watcher's
// lookahead, since no busy time is known beyond it.
func (s *Server) slotQuery(r *http.Request) (days, n int) {
	q := r.URL.Query()
	days = min(parseIntDefault(q.Get("days"), 7), s.cfg.LookaheadDays)
	n = min(parseIntDefault(q.Get("n"), 3), maxSlots)
	return days, n
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	list, _ := s.deps.Registry.Reminders(id)
	writeJSON(w, http.StatusOK, map[string]any{"reminders": list})
}

type createReminderRequest struct {
	Task string `json:"task"`
	// FireAt is RFC 3339. When empty, When is parsed as a Swedish time
	// expression ("imorgon 9", "om 20 min").
	FireAt string `json:"fire_at"`
	When   string `json:"when"`
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req createReminderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	var fireAt time.Time
	switch {
	case req.FireAt != "":
		t, err := time.Parse(time.RFC3339, req.FireAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "fire_at must be RFC 3339")
			return
		}
		fireAt = t
	case req.When != "":
		t, ok := dialogue.ParseTime(req.When, s.deps.Now().In(s.loc))
		if !ok {
			writeError(w, http.StatusBadRequest, "could not understand when")
			return
		}
		fireAt = t
	default:
		writeError(w, http.StatusBadRequest, "fire_at or when is required")
		return
	}

	rid, err := s.deps.Registry.CreateReminder(id, req.Task, fireAt)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": rid, "fire_at": fireAt})
}

func (s *Server) handleClearReminders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	n, _ := s.deps.Registry.ClearAll(id)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type attachICSRequest struct {
	URL   string `json:"url"`
	Email string `json:"email"`
}

func (s *Server) handleAttachICS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req attachICSRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		writeError(w, http.StatusBadRequest, "url must be http(s)")
		return
	}
	a := ics.NewAdapter(s.deps.Fetcher, ics.Source{ID: string(id), URL: req.URL}, req.Email)
	if err := s.deps.Registry.SetAdapter(id, a); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	appLog.Info("ics calendar attached", "user", id)
	w.WriteHeader(http.StatusNoContent)
}

type tokenRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is seconds from now, as returned by the token endpoint.
	ExpiresIn int `json:"expires_in"`
}

// saveToken decodes and stores a token from the request body. It writes the
// error response itself.
func (s *Server) saveToken(w http.ResponseWriter, r *http.Request, id model.UserID) bool {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return false
	}
	if req.AccessToken == "" && req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "access_token or refresh_token is required")
		return false
	}
	tok := calendar.Token{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken}
	if req.ExpiresIn > 0 {
		tok.ExpiresAt = s.deps.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}
	if err := s.deps.Tokens.Save(id, tok); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return false
	}
	return true
}

func (s *Server) attach(w http.ResponseWriter, id model.UserID, a calendar.Adapter, provider string) {
	if err := s.deps.Registry.SetAdapter(id, a); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	appLog.Info("calendar connected", "user", id, "provider", provider)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoogleToken(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok || !s.saveToken(w, r, id) {
		return
	}
	g := s.cfg.Google
	s.attach(w, id, calendar.NewGoogleAdapter(id, s.deps.Tokens, calendar.GoogleConfig{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		TokenURL:     g.TokenURL,
		APIBase:      g.APIBase,
		Now:          s.deps.Now,
	}), "google")
}

func (s *Server) handleMicrosoftToken(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok || !s.saveToken(w, r, id) {
		return
	}
	m := s.cfg.Microsoft
	s.attach(w, id, calendar.NewMicrosoftAdapter(id, s.deps.Tokens, calendar.MicrosoftConfig{
		ClientID:     m.ClientID,
		ClientSecret: m.ClientSecret,
		Tenant:       m.Tenant,
		RedirectURI:  m.RedirectURI,
		APIBase:      m.APIBase,
		Now:          s.deps.Now,
	}), "microsoft")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
