package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pihome/doorman/internal/actuator"
	"github.com/pihome/doorman/internal/authz"
	"github.com/pihome/doorman/internal/portal"
	"github.com/pihome/doorman/internal/ratelimit"
	"github.com/pihome/doorman/internal/session"
	"github.com/pihome/doorman/internal/twilio"
)

const (
	testToken     = "test-auth-token"
	testPublicURL = "https://example.com/sms"
	goodCaller    = "+15551234567"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeActuator scripts actuation outcomes and records invocations.
type fakeActuator struct {
	outcome actuator.Outcome
	calls   int
	panics  bool
}

func (f *fakeActuator) Actuate(ctx context.Context) actuator.Attempt {
	f.calls++
	if f.panics {
		panic("portal driver wedged")
	}
	return actuator.Attempt{StartedAt: time.Now(), Outcome: f.outcome}
}

// sign computes the provider signature over the public URL and params,
// independently of the validator under test.
func sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := testPublicURL
	for _, k := range keys {
		for _, v := range params[k] {
			payload += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(testToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type fixture struct {
	gw       *Gateway
	router   *chi.Mux
	door     *fakeActuator
	sessions *session.Manager
	limiter  *ratelimit.Limiter
}

func newFixture(t *testing.T, door *fakeActuator) *fixture {
	t.Helper()

	allowlist, err := authz.NewAllowlist([]string{goodCaller})
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.New(10, time.Hour)
	sessions := session.NewManager(filepath.Join(t.TempDir(), "session.json"), testLogger())

	gw := New(
		twilio.NewValidator(testToken),
		allowlist,
		limiter,
		sessions,
		door,
		testPublicURL,
		testLogger(),
	)

	r := chi.NewRouter()
	gw.Routes(r)
	return &fixture{gw: gw, router: r, door: door, sessions: sessions, limiter: limiter}
}

// post delivers a webhook. sig == "auto" signs correctly.
func (f *fixture) post(t *testing.T, from, body, sig string) *httptest.ResponseRecorder {
	t.Helper()

	params := url.Values{}
	params.Set("From", from)
	params.Set("Body", body)
	if sig == "auto" {
		sig = sign(params)
	}

	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set(twilio.SignatureHeader, sig)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestBadSignatureSilentlyRejected(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	for name, sig := range map[string]string{"missing": "", "forged": "Zm9yZ2Vk"} {
		t.Run(name+" signature", func(t *testing.T) {
			rec := f.post(t, goodCaller, "door", sig)
			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
		})
	}
	if f.door.calls != 0 {
		t.Errorf("actuator called %d times on unauthenticated requests", f.door.calls)
	}
}

func TestUnknownCallerSilentlyAcknowledged(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	// Validly signed, but the caller is not on the allowlist.
	rec := f.post(t, "+15550000000", "door", "auto")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty acknowledgment", rec.Body.String())
	}
	if f.door.calls != 0 {
		t.Errorf("actuator called %d times for an unknown caller", f.door.calls)
	}
}

func TestRateLimitedCallerGetsThrottledReply(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	for i := 0; i < 10; i++ {
		f.post(t, goodCaller, "status", "auto")
	}
	calls := f.door.calls

	for i := 0; i < 3; i++ {
		rec := f.post(t, goodCaller, "door", "auto")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Rate limit exceeded. Max 10 requests per hour.") {
			t.Errorf("body = %q, want throttled reply", rec.Body.String())
		}
	}
	// The throttled door commands never reached the actuator.
	if f.door.calls != calls {
		t.Errorf("actuator calls grew from %d to %d while throttled", calls, f.door.calls)
	}
}

func TestDoorCommandSuccess(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})
	f.gw.now = func() time.Time {
		return time.Date(2024, 6, 1, 15, 4, 0, 0, time.UTC)
	}

	rec := f.post(t, goodCaller, "door", "auto")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/xml" {
		t.Errorf("Content-Type = %q, want application/xml", got)
	}
	if !strings.Contains(rec.Body.String(), "Door opened at 3:04PM") {
		t.Errorf("body = %q, want success reply", rec.Body.String())
	}
	if f.door.calls != 1 {
		t.Errorf("actuator calls = %d, want 1", f.door.calls)
	}
}

func TestDoorCommandOutcomeReplies(t *testing.T) {
	tests := []struct {
		name    string
		outcome actuator.Outcome
		want    string
	}{
		{"session expired", actuator.OutcomeSessionExpired, "Session expired. Re-authenticate on the server."},
		{"busy", actuator.OutcomeBusy, "Another door request is in progress. Try again shortly."},
		{"element not found", actuator.OutcomeElementNotFound, "Failed to open door. Try again or check the session."},
		{"timeout", actuator.OutcomeTimeout, "Failed to open door. Try again or check the session."},
		{"unknown failure", actuator.OutcomeUnknownFailure, "Failed to open door. Try again or check the session."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeActuator{outcome: tt.outcome})
			rec := f.post(t, goodCaller, "door", "auto")
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestStatusCommandReflectsSessionState(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	t.Run("no session", func(t *testing.T) {
		rec := f.post(t, goodCaller, "status", "auto")
		if !strings.Contains(rec.Body.String(), "Server online. No session found.") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	snap := &session.Snapshot{
		Cookies:    []session.Cookie{{Name: "AVSESSION", Value: "v"}},
		CapturedAt: time.Now(),
	}
	if err := f.sessions.SetAuthenticated(snap); err != nil {
		t.Fatal(err)
	}

	t.Run("authenticated", func(t *testing.T) {
		rec := f.post(t, goodCaller, "status", "auto")
		if !strings.Contains(rec.Body.String(), "Server online. Session active.") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	f.sessions.MarkExpired()

	t.Run("expired", func(t *testing.T) {
		rec := f.post(t, goodCaller, "status", "auto")
		if !strings.Contains(rec.Body.String(), "Session expired") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	// Status is a pure read: it never invokes the actuator and never
	// moves the state machine.
	if f.door.calls != 0 {
		t.Errorf("actuator calls = %d, want 0 for status queries", f.door.calls)
	}
	if got := f.sessions.State(); got != session.Expired {
		t.Errorf("session state = %v, want Expired untouched", got)
	}
}

func TestUnrecognizedCommandGetsHelp(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	rec := f.post(t, goodCaller, "open sesame", "auto")
	if !strings.Contains(rec.Body.String(), "Unknown command. Send 'door' to open") {
		t.Errorf("body = %q, want help reply", rec.Body.String())
	}
	if f.door.calls != 0 {
		t.Errorf("actuator calls = %d, want 0", f.door.calls)
	}
}

func TestInternalFaultBecomesGenericReply(t *testing.T) {
	f := newFixture(t, &fakeActuator{panics: true})

	rec := f.post(t, goodCaller, "door", "auto")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Something went wrong. Try again.") {
		t.Errorf("body = %q, want generic failure reply", rec.Body.String())
	}
}

func TestMalformedFormRejected(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader("%zz=broken"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, &fakeActuator{outcome: actuator.OutcomeSuccess})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"status":"online"`, `"service":"doorman"`, `"session":"unauthenticated"`} {
		if !strings.Contains(body, want) {
			t.Errorf("health body = %q, missing %q", body, want)
		}
	}
}

// TestExpiryScenario runs the full pipeline with a real actuator and a
// scripted portal driver: the first door command hits a login redirect,
// the second is answered from session state without touching the portal.
func TestExpiryScenario(t *testing.T) {
	sessions := session.NewManager(filepath.Join(t.TempDir(), "session.json"), testLogger())
	snap := &session.Snapshot{
		Cookies:    []session.Cookie{{Name: "AVSESSION", Value: "stale"}},
		CapturedAt: time.Now(),
	}
	if err := sessions.SetAuthenticated(snap); err != nil {
		t.Fatal(err)
	}

	driver := &redirectingDriver{}
	door := actuator.New(driver, sessions, time.Second, time.Second, testLogger())

	allowlist, err := authz.NewAllowlist([]string{goodCaller})
	if err != nil {
		t.Fatal(err)
	}
	gw := New(twilio.NewValidator(testToken), allowlist, ratelimit.New(10, time.Hour), sessions, door, testPublicURL, testLogger())

	r := chi.NewRouter()
	gw.Routes(r)
	f := &fixture{router: r}

	first := f.post(t, goodCaller, "door", "auto")
	if !strings.Contains(first.Body.String(), "Session expired") {
		t.Errorf("first reply = %q, want expiry instruction", first.Body.String())
	}
	if got := sessions.State(); got != session.Expired {
		t.Errorf("session state = %v, want Expired", got)
	}

	second := f.post(t, goodCaller, "door", "auto")
	if !strings.Contains(second.Body.String(), "Session expired") {
		t.Errorf("second reply = %q, want expiry instruction", second.Body.String())
	}
	if driver.calls != 1 {
		t.Errorf("portal driver calls = %d, want 1 (no navigation after expiry)", driver.calls)
	}
}

type redirectingDriver struct {
	calls int
}

func (d *redirectingDriver) Actuate(ctx context.Context, snap *session.Snapshot) error {
	d.calls++
	return portal.ErrLoginRedirect
}
