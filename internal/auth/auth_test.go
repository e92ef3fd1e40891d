package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/kv"
)

func newKV(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.NewSQLite(filepath.Join(t.TempDir(), "kv.db"), time.Second, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tokenServer answers the token endpoint. refreshFails makes refresh
// grants fail.
type tokenServer struct {
	mu           sync.Mutex
	grants       []url.Values
	refreshFails bool
}

func (ts *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	ts.mu.Lock()
	ts.grants = append(ts.grants, r.PostForm)
	fails := ts.refreshFails
	ts.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	case "refresh_token":
		if fails {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`))
	}
}

func (ts *tokenServer) received() []url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]url.Values(nil), ts.grants...)
}

func newTestProvider(t *testing.T, bus *events.Bus) (*Provider, *tokenServer, kv.Store) {
	t.Helper()
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)
	store := newKV(t)
	p := New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://aide.example/oauth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, store, bus, nil)
	return p, ts, store
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	return u.Query().Get("state")
}

func TestProvider_AuthURL(t *testing.T) {
	p, _, store := newTestProvider(t, nil)
	ctx := context.Background()

	link, err := p.AuthURL(ctx, 42)
	if err != nil {
		t.Fatalf("AuthURL: %v", err)
	}
	u, _ := url.Parse(link)
	q := u.Query()
	if q.Get("client_id") != "client" || q.Get("access_type") != "offline" || q.Get("prompt") != "consent" {
		t.Errorf("query = %v", q)
	}
	if !strings.Contains(q.Get("scope"), "calendar.events") {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	state := q.Get("state")
	if state == "" || state == "42" {
		t.Fatalf("state = %q, want an opaque value", state)
	}
	if owner, ok, _ := store.Get(ctx, statePrefix+state); !ok || owner != "42" {
		t.Errorf("stored state = %q %v", owner, ok)
	}
}

func TestProvider_ExchangeStoresCredentials(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)
	defer sub.Close()
	p, _, store := newTestProvider(t, bus)
	ctx := context.Background()

	link, _ := p.AuthURL(ctx, 42)
	state := stateOf(t, link)

	owner, err := p.Exchange(ctx, "good-code", state)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if owner != 42 {
		t.Errorf("owner = %d, want 42", owner)
	}

	ok, err := p.Authorized(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("Authorized = %v, %v", ok, err)
	}
	raw, _, _ := store.Get(ctx, tokenKey(42))
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		t.Fatalf("stored credentials: %v", err)
	}
	if creds.Token != "at-1" || creds.RefreshToken != "rt-1" || creds.ClientID != "client" || !strings.HasSuffix(creds.TokenURI, "/token") {
		t.Errorf("credentials = %+v", creds)
	}

	select {
	case e := <-sub.C:
		if e.Kind != events.KindAuthorized || e.Data["owner"] != int64(42) {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no authorized event")
	}

	if _, err := p.Exchange(ctx, "good-code", state); !errors.Is(err, ErrInvalidState) {
		t.Errorf("reused state err = %v, want ErrInvalidState", err)
	}
}

func TestProvider_ExchangeFailures(t *testing.T) {
	p, _, _ := newTestProvider(t, nil)
	ctx := context.Background()

	if _, err := p.Exchange(ctx, "good-code", "nope"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("unknown state err = %v", err)
	}

	link, _ := p.AuthURL(ctx, 7)
	if _, err := p.Exchange(ctx, "bad-code", stateOf(t, link)); err == nil {
		t.Error("bad code exchanged")
	}
	if ok, _ := p.Authorized(ctx, 7); ok {
		t.Error("owner authorized after failed exchange")
	}
}

func seedExpired(t *testing.T, store kv.Store, owner int64) {
	t.Helper()
	data, _ := json.Marshal(Credentials{
		Token:        "at-old",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(-time.Hour),
	})
	if err := store.Set(context.Background(), tokenKey(owner), string(data)); err != nil {
		t.Fatal(err)
	}
}

func TestProvider_CredentialsRefresh(t *testing.T) {
	p, ts, store := newTestProvider(t, nil)
	ctx := context.Background()
	seedExpired(t, store, 5)

	creds, err := p.Credentials(ctx, 5)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Token != "at-2" || creds.RefreshToken != "rt-1" {
		t.Errorf("refreshed = %+v", creds)
	}
	if grants := ts.received(); len(grants) != 1 || grants[0].Get("refresh_token") != "rt-1" {
		t.Errorf("grants = %v", grants)
	}

	// The refreshed token is persisted; no second refresh.
	if _, err := p.Credentials(ctx, 5); err != nil {
		t.Fatalf("Credentials again: %v", err)
	}
	if n := len(ts.received()); n != 1 {
		t.Errorf("refreshed twice: %d grants", n)
	}
}

func TestProvider_CredentialsRefreshFailureDrops(t *testing.T) {
	p, ts, store := newTestProvider(t, nil)
	ts.mu.Lock()
	ts.refreshFails = true
	ts.mu.Unlock()
	ctx := context.Background()
	seedExpired(t, store, 5)

	if _, err := p.Credentials(ctx, 5); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	if ok, _ := p.Authorized(ctx, 5); ok {
		t.Error("credentials kept after failed refresh")
	}
	if _, err := p.Credentials(ctx, 99); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unknown owner err = %v", err)
	}
}

func TestProvider_Revoke(t *testing.T) {
	p, _, store := newTestProvider(t, nil)
	ctx := context.Background()
	seedExpired(t, store, 5)

	if err := p.Revoke(ctx, 5); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ok, _ := p.Authorized(ctx, 5); ok {
		t.Error("still authorized after Revoke")
	}
}

func TestQRCode(t *testing.T) {
	png, err := QRCode("https://accounts.google.com/o/oauth2/auth?state=x")
	if err != nil {
		t.Fatalf("QRCode: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Errorf("not a PNG: % x", png[:8])
	}
}
