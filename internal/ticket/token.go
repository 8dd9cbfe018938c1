package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// refreshMargin is how early an access token is renewed before its stated
// expiry, so a request never goes out with a token about to die mid-flight.
const refreshMargin = 5 * time.Minute

// OAuthState is the credential file persisted on disk. The refresh token is
// minted once by `mesabot bootstrap`; access tokens rotate through it for
// the life of the deployment.
type OAuthState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	OrgID        string    `json:"org_id,omitempty"`
}

// Usable reports whether the access token is still good at instant t,
// keeping the early-refresh margin.
func (s OAuthState) Usable(t time.Time) bool {
	return s.AccessToken != "" && t.Before(s.Expiry.Add(-refreshMargin))
}

// TokenManager owns the helpdesk OAuth2 lifecycle: loading persisted state,
// refreshing ahead of expiry and writing every rotation back to disk
// atomically so a crash never leaves a half-written credential file.
type TokenManager struct {
	oauth *oauth2.Config
	path  string

	mu     sync.Mutex
	loaded bool
	state  OAuthState
	now    func() time.Time
}

// NewTokenManager builds a manager for the helpdesk OAuth endpoints. Client
// id and secret come from the environment via config; nothing secret is
// written anywhere except the 0600 token file.
func NewTokenManager(cfg config.HelpdeskConfig) *TokenManager {
	accounts := strings.TrimRight(cfg.AccountsURL, "/")
	return &TokenManager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"Desk.tickets.ALL", "Desk.contacts.ALL", "Desk.search.READ"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  accounts + "/oauth/v2/auth",
				TokenURL: accounts + "/oauth/v2/token",
			},
		},
		path: cfg.TokenPath,
		now:  time.Now,
	}
}

// AccessToken returns a token valid for at least the refresh margin,
// refreshing through the stored refresh token when needed.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return "", err
	}
	if m.state.Usable(m.now()) {
		return m.state.AccessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.state.AccessToken, nil
}

// ForceRefresh discards the cached access token and mints a fresh one. Used
// when the helpdesk rejects a token the manager still thought was valid.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return "", err
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.state.AccessToken, nil
}

// AuthURL is the browser URL the bootstrap wizard hands the operator.
// Offline access is required or the provider will not mint a refresh token.
func (m *TokenManager) AuthURL(state string) string {
	return m.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades a one-shot authorization code for the initial token pair
// and persists it. Called by `mesabot bootstrap`.
func (m *TokenManager) Exchange(ctx context.Context, code, orgID string) error {
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return errkind.Wrap(errkind.Authentication, fmt.Errorf("exchange authorization code: %w", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.state.AccessToken = tok.AccessToken
	m.state.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		m.state.RefreshToken = tok.RefreshToken
	}
	if orgID != "" {
		m.state.OrgID = orgID
	}
	return m.saveLocked()
}

// OrgID returns the organization id captured at bootstrap, if any.
func (m *TokenManager) OrgID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.loadLocked()
	return m.state.OrgID
}

// State returns a copy of the persisted state for status reporting. Callers
// must not print the tokens it carries.
func (m *TokenManager) State() OAuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.loadLocked()
	return m.state
}

// loadLocked reads the token file once. A missing file is fine; the manager
// just cannot serve tokens until Exchange runs.
func (m *TokenManager) loadLocked() error {
	if m.loaded {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("decode token file %s: %w", m.path, err)
	}
	m.loaded = true
	return nil
}

// refreshLocked hits the token endpoint through the refresh token. The
// synthetic past expiry forces the oauth2 source to refresh instead of
// handing back the stale access token.
func (m *TokenManager) refreshLocked(ctx context.Context) error {
	if m.state.RefreshToken == "" {
		return errkind.New(errkind.AuthExpired, "no helpdesk refresh token on disk, run `mesabot bootstrap`")
	}
	src := m.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: m.state.RefreshToken,
		Expiry:       m.now().Add(-time.Hour),
	})
	tok, err := src.Token()
	if err != nil {
		return errkind.Wrap(errkind.AuthExpired, fmt.Errorf("refresh helpdesk token: %w", err))
	}
	m.state.AccessToken = tok.AccessToken
	m.state.Expiry = tok.Expiry
	// Some providers rotate the refresh token on every grant; keep the old
	// one when the response omits it.
	if tok.RefreshToken != "" {
		m.state.RefreshToken = tok.RefreshToken
	}
	if err := m.saveLocked(); err != nil {
		return err
	}
	slog.Debug("helpdesk token refreshed", "expiry", m.state.Expiry.Format(time.RFC3339))
	return nil
}

// saveLocked writes the state as 0600 JSON via temp file + rename.
func (m *TokenManager) saveLocked() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
