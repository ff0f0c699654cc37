package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"recpost/internal/logging"
	"recpost/internal/testsupport"
)

type fakeTrigger struct {
	calls []string
	err   error
}

func (f *fakeTrigger) ProcessConversation(_ context.Context, conversationID string) error {
	f.calls = append(f.calls, conversationID)
	return f.err
}

func newTestServer(t *testing.T) (*Server, *fakeTrigger) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	trigger := &fakeTrigger{}
	srv, err := New(cfg, logging.NewNop(), st, trigger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, trigger
}

func login(t *testing.T, srv *Server) []*http.Cookie {
	t.Helper()
	form := url.Values{"username": {"admin"}, "password": {"secret"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("login status: %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/health" {
		t.Fatalf("login redirect: %q", loc)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}
	return cookies
}

func TestHealthRequiresLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status: %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Fatalf("redirect: %q", loc)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)

	form := url.Values{"username": {"admin"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("failed login must not set a session cookie")
	}
}

func TestHealthAfterLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	cookies := login(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "conversations posted today") {
		t.Fatalf("health page body: %q", rec.Body.String())
	}
}

func TestManualDownloadInvokesTrigger(t *testing.T) {
	srv, trigger := newTestServer(t)
	cookies := login(t, srv)

	form := url.Values{"call_id": {"conv-1"}}
	req := httptest.NewRequest(http.MethodPost, "/health/download", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(trigger.calls) != 1 || trigger.calls[0] != "conv-1" {
		t.Fatalf("trigger calls: %v", trigger.calls)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "posted") {
		t.Fatalf("redirect: %q", loc)
	}
}

func TestManualDownloadFailureShowsShortMessage(t *testing.T) {
	srv, trigger := newTestServer(t)
	trigger.err = errors.New("provider exploded with a long internal trace")
	cookies := login(t, srv)

	form := url.Values{"call_id": {"conv-1"}}
	req := httptest.NewRequest(http.MethodPost, "/health/download", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status: %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "download+failed") {
		t.Fatalf("redirect: %q", loc)
	}
	if strings.Contains(loc, "exploded") {
		t.Fatalf("error detail leaked into redirect: %q", loc)
	}
}

func TestManualDownloadEscapesCallIDInRedirect(t *testing.T) {
	srv, trigger := newTestServer(t)
	cookies := login(t, srv)

	callID := "conv&1 #9"
	form := url.Values{"call_id": {callID}}
	req := httptest.NewRequest(http.MethodPost, "/health/download", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if len(trigger.calls) != 1 || trigger.calls[0] != callID {
		t.Fatalf("trigger calls: %v", trigger.calls)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	// The raw id must survive the round trip through the query string.
	if got := loc.Query().Get("message"); got != "posted "+callID {
		t.Fatalf("message: got %q", got)
	}
	if loc.Fragment != "" {
		t.Fatalf("call id leaked into a fragment: %q", rec.Header().Get("Location"))
	}
}

func TestManualDownloadRequiresCallID(t *testing.T) {
	srv, trigger := newTestServer(t)
	cookies := login(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/health/download", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if len(trigger.calls) != 0 {
		t.Fatalf("trigger must not run without a call id, got %v", trigger.calls)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "required") {
		t.Fatalf("redirect: %q", loc)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	srv, _ := newTestServer(t)
	cookies := login(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("logout status: %d", rec.Code)
	}

	// The expired cookie no longer authenticates.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Web.Bind = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
