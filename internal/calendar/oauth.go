package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const (
	// refreshSkew refreshes tokens slightly before they actually expire.
	refreshSkew = 2 * time.Minute

	// maxResponseBytes caps provider responses read into memory.
	maxResponseBytes = 8 << 20
)

var (
	errNoToken         = errors.New("no token available")
	errAPIUnauthorized = errors.New("access token rejected")
)

// refresher hands out access tokens for one user and one OAuth provider,
// running the refresh_token grant when the stored token is about to expire.
type refresher struct {
	provider     string
	user         model.UserID
	store        TokenStore
	clientID     string
	clientSecret string
	tokenURL     string
	// extra form fields some providers require on refresh (redirect_uri, scope).
	extra url.Values

	client *http.Client
	now    func() time.Time

	// mu serializes refreshes between the watcher and request handlers.
	mu sync.Mutex
}

func (r *refresher) connected() bool {
	_, ok, err := r.store.Load(r.user)
	return ok && err == nil
}

func (r *refresher) authErr(err error) error {
	return &AuthError{Provider: r.provider, Err: err}
}

func (r *refresher) transientErr(err error) error {
	return &TransientFetchError{Provider: r.provider, Err: err}
}

// accessToken returns a usable access token, refreshing it when it is about
// to expire or when force is set.
func (r *refresher) accessToken(ctx context.Context, force bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok, err := r.store.Load(r.user)
	if err != nil {
		return "", r.transientErr(fmt.Errorf("load token: %w", err))
	}
	if !ok {
		return "", r.authErr(errNoToken)
	}
	if !force && tok.AccessToken != "" && r.now().Before(tok.ExpiresAt.Add(-refreshSkew)) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", r.authErr(errors.New("token expired and no refresh token"))
	}

	form := url.Values{}
	for k, vs := range r.extra {
		for _, v := range vs {
			if v != "" {
				form.Add(k, v)
			}
		}
	}
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", r.transientErr(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", r.transientErr(fmt.Errorf("token refresh: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", r.transientErr(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// invalid_grant: the refresh token was revoked or expired.
		return "", r.authErr(fmt.Errorf("token refresh rejected: %s", resp.Status))
	default:
		return "", r.transientErr(fmt.Errorf("token refresh: %s", resp.Status))
	}

	var refreshed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &refreshed); err != nil {
		return "", r.transientErr(fmt.Errorf("parse token response: %w", err))
	}
	if refreshed.AccessToken == "" {
		return "", r.authErr(errors.New("token response without access_token"))
	}

	next := Token{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    r.now().Add(time.Duration(refreshed.ExpiresIn) * time.Second),
	}
	if refreshed.RefreshToken != "" {
		next.RefreshToken = refreshed.RefreshToken
	}
	if err := r.store.Save(r.user, next); err != nil {
		appLog.Error("token save failed", err, "user", r.user, "provider", r.provider)
	}
	appLog.Debug("token refreshed", "user", r.user, "provider", r.provider, "expires_at", next.ExpiresAt.Format(time.RFC3339))
	return next.AccessToken, nil
}

// get performs an authorized GET and classifies the outcome. A 401 is
// returned as errAPIUnauthorized wrapped in an AuthError so callers can force
// one refresh and retry.
func (r *refresher) get(ctx context.Context, rawURL string, force bool, header http.Header) ([]byte, error) {
	token, err := r.accessToken(ctx, force)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, r.transientErr(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, r.transientErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, r.transientErr(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, r.authErr(errAPIUnauthorized)
	default:
		return nil, r.transientErr(fmt.Errorf("events: %s", resp.Status))
	}
}

// getWithRetry is get with one forced refresh after a rejected access token,
// which covers tokens revoked before their expiry.
func (r *refresher) getWithRetry(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	body, err := r.get(ctx, rawURL, false, header)
	if errors.Is(err, errAPIUnauthorized) {
		body, err = r.get(ctx, rawURL, true, header)
	}
	return body, err
}
