// Command doorman-auth captures a portal session out of band. The
// operator logs in to the vendor portal with a normal browser, copies the
// Cookie header for the portal domain from the browser's developer tools,
// and pastes it here. The tool verifies the session can see the door
// control, then persists the snapshot for the server to use.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pihome/doorman/internal/config"
	"github.com/pihome/doorman/internal/portal"
	"github.com/pihome/doorman/internal/session"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "doorman-auth: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Fprintln(out, "Manual session capture")
	fmt.Fprintf(out, "1. Log in to %s in your browser.\n", cfg.Portal.URL)
	fmt.Fprintln(out, "2. Open developer tools and copy the Cookie request header for the portal domain.")
	fmt.Fprint(out, "3. Paste it here and press ENTER:\n> ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read cookie header: %w", err)
	}

	snap, err := snapshotFromCookieHeader(strings.TrimSpace(line))
	if err != nil {
		return err
	}

	client, err := portal.NewClient(cfg.Portal.URL, cfg.Portal.ControlLabel, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ActuationTimeout())
	defer cancel()

	switch err := client.Verify(ctx, snap); {
	case err == nil:
		fmt.Fprintf(out, "Found %q control; session looks good.\n", cfg.Portal.ControlLabel)
	case errors.Is(err, portal.ErrLoginRedirect):
		return fmt.Errorf("the portal bounced the session to its login page; the cookies are not valid")
	case errors.Is(err, portal.ErrControlNotFound):
		fmt.Fprintf(out, "Warning: could not find the %q control on the page.\n", cfg.Portal.ControlLabel)
		fmt.Fprint(out, "Save the session anyway? (y/n): ")
		answer, _ := reader.ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			return fmt.Errorf("capture cancelled")
		}
	default:
		return fmt.Errorf("verify session: %w", err)
	}

	sessions := session.NewManager(cfg.Session.SnapshotPath, logger)
	if err := sessions.SetAuthenticated(snap); err != nil {
		return err
	}

	fmt.Fprintf(out, "Session saved to %s\n", cfg.Session.SnapshotPath)
	return nil
}

// snapshotFromCookieHeader parses a raw Cookie header value into a
// credential snapshot.
func snapshotFromCookieHeader(header string) (*session.Snapshot, error) {
	if header == "" {
		return nil, fmt.Errorf("no cookie header provided")
	}

	parsed, err := http.ParseCookie(header)
	if err != nil {
		return nil, fmt.Errorf("parse cookie header: %w", err)
	}

	cookies := make([]session.Cookie, 0, len(parsed))
	for _, c := range parsed {
		cookies = append(cookies, session.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	return &session.Snapshot{Cookies: cookies, CapturedAt: time.Now()}, nil
}
