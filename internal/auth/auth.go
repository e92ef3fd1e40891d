// Package auth runs the Google OAuth 2.0 authorization-code flow for
// each owner and keeps the resulting credentials in the key-value
// store, where the remote Google tool service reads them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"golang.org/x/oauth2"

	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/kv"
)

// Key prefixes.
const (
	tokenPrefix = "oauth_token:"
	statePrefix = "oauth_state:"
)

// Endpoint is Google's OAuth 2.0 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// DefaultScopes cover Calendar and Tasks.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/tasks.readonly",
	"https://www.googleapis.com/auth/tasks",
}

var (
	// ErrInvalidState is returned for a callback whose state is unknown
	// or expired.
	ErrInvalidState = errors.New("unknown or expired oauth state")

	// ErrNotAuthorized is returned when owner has no stored credentials.
	ErrNotAuthorized = errors.New("not authorized")
)

// Config configures a Provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides the Google endpoint (tests).
	Endpoint oauth2.Endpoint

	// StateTTL bounds how long a sign-in link stays valid.
	StateTTL time.Duration
	// TokenTTL is how long stored credentials live without use.
	TokenTTL time.Duration
}

// Credentials is the stored form, compatible with Google's
// "authorized user" JSON so other services can load it directly.
type Credentials struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (c *Credentials) oauthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.Token,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// Provider issues sign-in links, completes code exchanges and keeps
// credentials fresh.
type Provider struct {
	oauth    *oauth2.Config
	store    kv.Store
	bus      *events.Bus
	stateTTL time.Duration
	tokenTTL time.Duration
	logger   *slog.Logger
}

// New creates a Provider. bus may be nil.
func New(cfg Config, store kv.Store, bus *events.Bus, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = Endpoint
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 15 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * 24 * time.Hour
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		store:    store,
		bus:      bus,
		stateTTL: cfg.StateTTL,
		tokenTTL: cfg.TokenTTL,
		logger:   logger.With("component", "auth"),
	}
}

func tokenKey(owner int64) string { return tokenPrefix + strconv.FormatInt(owner, 10) }

// AuthURL returns a sign-in link for owner. The random state maps back
// to owner for StateTTL.
func (p *Provider) AuthURL(ctx context.Context, owner int64) (string, error) {
	state := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := p.store.SetEX(ctx, statePrefix+state, strconv.FormatInt(owner, 10), p.stateTTL); err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	p.logger.Debug("auth url issued", "owner", owner)
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// Exchange completes the flow for a callback and returns the owner the
// state belonged to. A state can be used once.
func (p *Provider) Exchange(ctx context.Context, code, state string) (int64, error) {
	raw, ok, err := p.store.Get(ctx, statePrefix+state)
	if err != nil {
		return 0, fmt.Errorf("load oauth state: %w", err)
	}
	if !ok || state == "" {
		return 0, ErrInvalidState
	}
	if err := p.store.Delete(ctx, statePrefix+state); err != nil {
		p.logger.Warn("failed to drop oauth state", "error", err)
	}
	owner, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad owner %q", ErrInvalidState, raw)
	}

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("exchange code: %w", err)
	}
	if err := p.save(ctx, owner, tok); err != nil {
		return 0, err
	}

	p.logger.Info("owner authorized", "owner", owner, "refresh_token", tok.RefreshToken != "")
	p.bus.Emit(events.SourceAuth, events.KindAuthorized, map[string]any{"owner": owner})
	return owner, nil
}

// Authorized reports whether owner has stored credentials.
func (p *Provider) Authorized(ctx context.Context, owner int64) (bool, error) {
	_, ok, err := p.store.Get(ctx, tokenKey(owner))
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	return ok, nil
}

// Credentials returns owner's credentials, refreshing an expired
// access token first. Credentials that can no longer be refreshed are
// dropped and ErrNotAuthorized is returned.
func (p *Provider) Credentials(ctx context.Context, owner int64) (*Credentials, error) {
	raw, ok, err := p.store.Get(ctx, tokenKey(owner))
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}

	old := creds.oauthToken()
	if old.Valid() {
		return &creds, nil
	}
	if old.RefreshToken == "" {
		return nil, ErrNotAuthorized
	}

	tok, err := p.oauth.TokenSource(ctx, old).Token()
	if err != nil {
		p.logger.Warn("token refresh failed, dropping credentials", "owner", owner, "error", err)
		if derr := p.store.Delete(ctx, tokenKey(owner)); derr != nil {
			p.logger.Warn("failed to drop credentials", "owner", owner, "error", derr)
		}
		return nil, fmt.Errorf("%w: refresh: %v", ErrNotAuthorized, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	if err := p.save(ctx, owner, tok); err != nil {
		return nil, err
	}
	p.logger.Debug("token refreshed", "owner", owner)
	return p.credentials(tok), nil
}

// Revoke forgets owner's credentials.
func (p *Provider) Revoke(ctx context.Context, owner int64) error {
	if err := p.store.Delete(ctx, tokenKey(owner)); err != nil {
		return fmt.Errorf("drop credentials: %w", err)
	}
	p.logger.Info("credentials revoked", "owner", owner)
	return nil
}

func (p *Provider) credentials(tok *oauth2.Token) *Credentials {
	return &Credentials{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenURI:     p.oauth.Endpoint.TokenURL,
		ClientID:     p.oauth.ClientID,
		ClientSecret: p.oauth.ClientSecret,
		Scopes:       p.oauth.Scopes,
		Expiry:       tok.Expiry,
	}
}

func (p *Provider) save(ctx context.Context, owner int64, tok *oauth2.Token) error {
	data, err := json.Marshal(p.credentials(tok))
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := p.store.SetEX(ctx, tokenKey(owner), string(data), p.tokenTTL); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// QRCode renders content as a 256px PNG QR code.
func QRCode(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}
