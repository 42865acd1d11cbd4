// Package portal drives the vendor access-control web portal over a
// cookie-backed HTTP session. The portal's page structure is a black box
// contract: a page reachable at a fixed URL carrying a control labelled
// with configured text, and a redirect to a login page whenever the
// session credentials are no longer accepted.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/pihome/doorman/internal/session"
)

// Sentinel failures the actuator maps to typed outcomes.
var (
	// ErrLoginRedirect means the portal sent the session to its login
	// page: the stored credentials are no longer accepted.
	ErrLoginRedirect = errors.New("portal: redirected to login page")
	// ErrControlNotFound means the page loaded but no control carried
	// the configured label.
	ErrControlNotFound = errors.New("portal: labelled control not found")
)

// Client issues portal requests authenticated by a session snapshot.
// It holds no session state itself; every call receives the snapshot and
// builds a throwaway cookie jar from it, so the immutable snapshot is
// never mutated by Set-Cookie responses.
type Client struct {
	target    *url.URL
	label     string
	transport http.RoundTripper
	logger    *slog.Logger
}

// NewClient creates a Client for the fixed target page URL and the
// visible label text of the control to invoke.
func NewClient(targetURL, controlLabel string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parse portal URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("portal URL must be http(s), got %q", targetURL)
	}
	if strings.TrimSpace(controlLabel) == "" {
		return nil, fmt.Errorf("control label must not be empty")
	}
	return &Client{
		target:    u,
		label:     controlLabel,
		transport: http.DefaultTransport,
		logger:    logger,
	}, nil
}

// Actuate navigates to the target page with the snapshot's credentials,
// locates the labelled control, and invokes it. All waits are bounded by
// ctx; the caller owns the deadline.
func (c *Client) Actuate(ctx context.Context, snap *session.Snapshot) error {
	httpClient, err := c.sessionClient(snap)
	if err != nil {
		return err
	}

	doc, pageURL, err := c.navigate(ctx, httpClient)
	if err != nil {
		return err
	}

	control, ok := findControl(doc, c.label)
	if !ok {
		return ErrControlNotFound
	}

	invokeReq, err := buildInvoke(ctx, control, pageURL)
	if err != nil {
		return fmt.Errorf("portal: %w", err)
	}

	c.logger.Info("invoking portal control",
		slog.String("label", c.label),
		slog.String("action", invokeReq.URL.String()),
		slog.String("method", invokeReq.Method))

	resp, err := httpClient.Do(invokeReq)
	if err != nil {
		return fmt.Errorf("portal: invoke control: %w", err)
	}
	defer resp.Body.Close()

	// The portal may also bounce the invoke itself to login.
	if isLoginURL(resp.Request.URL) {
		return ErrLoginRedirect
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("portal: control invoke returned status %d", resp.StatusCode)
	}
	return nil
}

// Verify checks that the snapshot still reaches the target page and that
// the labelled control is visible. Used by the interactive capture tool;
// the serving path never calls it (status replies must not navigate).
func (c *Client) Verify(ctx context.Context, snap *session.Snapshot) error {
	httpClient, err := c.sessionClient(snap)
	if err != nil {
		return err
	}
	doc, _, err := c.navigate(ctx, httpClient)
	if err != nil {
		return err
	}
	if _, ok := findControl(doc, c.label); !ok {
		return ErrControlNotFound
	}
	return nil
}

// sessionClient builds an HTTP client whose jar is seeded from the
// snapshot's cookie bundle.
func (c *Client) sessionClient(snap *session.Snapshot) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("portal: cookie jar: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(snap.Cookies))
	for _, sc := range snap.Cookies {
		cookies = append(cookies, &http.Cookie{
			Name:     sc.Name,
			Value:    sc.Value,
			Domain:   sc.Domain,
			Path:     sc.Path,
			Expires:  sc.Expires,
			Secure:   sc.Secure,
			HttpOnly: sc.HTTPOnly,
		})
	}
	jar.SetCookies(c.target, cookies)

	return &http.Client{
		Jar:       jar,
		Transport: c.transport,
	}, nil
}

// navigate fetches the target page, detecting login redirects, and parses
// the body. It returns the final page URL so relative form actions resolve
// against where the portal actually landed us.
func (c *Client) navigate(ctx context.Context, httpClient *http.Client) (*html.Node, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("portal: build navigation request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("portal: navigate: %w", err)
	}
	defer resp.Body.Close()

	if isLoginURL(resp.Request.URL) {
		return nil, nil, ErrLoginRedirect
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Some deployments reject rather than redirect.
		return nil, nil, ErrLoginRedirect
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("portal: page returned status %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("portal: parse page: %w", err)
	}
	return doc, resp.Request.URL, nil
}

// isLoginURL applies the login-redirect heuristic: the portal parks
// unauthenticated sessions on a URL mentioning login or signin.
func isLoginURL(u *url.URL) bool {
	s := strings.ToLower(u.String())
	return strings.Contains(s, "login") || strings.Contains(s, "signin")
}
