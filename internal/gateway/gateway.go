// Package gateway is the command gateway: it owns the SMS webhook,
// sequences authentication, authorization, throttling and parsing, and
// dispatches recognized commands to the actuator or the session status
// read path.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pihome/doorman/internal/actuator"
	"github.com/pihome/doorman/internal/authz"
	"github.com/pihome/doorman/internal/command"
	"github.com/pihome/doorman/internal/ratelimit"
	"github.com/pihome/doorman/internal/server"
	"github.com/pihome/doorman/internal/session"
	"github.com/pihome/doorman/internal/twilio"
)

// DoorActuator is the actuation dependency. *actuator.Actuator is the
// production implementation.
type DoorActuator interface {
	Actuate(ctx context.Context) actuator.Attempt
}

// Gateway wires the request pipeline. All dependencies are injected at
// construction; the gateway holds no mutable state of its own beyond the
// process start time used for liveness reporting.
type Gateway struct {
	validator *twilio.Validator
	allowlist *authz.Allowlist
	limiter   *ratelimit.Limiter
	sessions  *session.Manager
	door      DoorActuator
	publicURL string
	startedAt time.Time
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Gateway. publicURL is the webhook URL as the provider
// sees it, used for signature validation.
func New(
	validator *twilio.Validator,
	allowlist *authz.Allowlist,
	limiter *ratelimit.Limiter,
	sessions *session.Manager,
	door DoorActuator,
	publicURL string,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		validator: validator,
		allowlist: allowlist,
		limiter:   limiter,
		sessions:  sessions,
		door:      door,
		publicURL: publicURL,
		startedAt: time.Now(),
		logger:    logger,
		now:       time.Now,
	}
}

// Routes mounts the gateway's endpoints on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/", g.handleHealth)
	r.Post("/sms", g.handleSMS)
}

// handleHealth reports process liveness; it never touches session state
// beyond a read.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "online",
		"service": "doorman",
		"session": g.sessions.State().String(),
		"uptime":  time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleSMS is the webhook entry point. Each branch produces exactly one
// reply, or none on the silent-reject paths; no failure below this
// handler escapes to the transport.
func (g *Gateway) handleSMS(w http.ResponseWriter, r *http.Request) {
	// Any internal fault becomes a generic failure reply rather than a
	// dropped webhook.
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("internal fault handling webhook",
				slog.String("request_id", server.GetRequestID(r.Context())),
				slog.Any("panic", rec))
			g.reply(w, "Something went wrong. Try again.")
		}
	}()

	if err := r.ParseForm(); err != nil {
		// Malformed transport request; it never reaches the pipeline.
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// 1. Request authenticity. Failures get no body at all: probing
	// traffic learns nothing about what lives here.
	signature := r.Header.Get(twilio.SignatureHeader)
	if !g.validator.Validate(g.publicURL, r.PostForm, signature) {
		g.logger.Warn("webhook signature validation failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("remote_addr", r.RemoteAddr))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")

	// 2. Caller allowlist. Unknown callers get an empty acknowledgment
	// so the provider stops retrying, and no SMS reply. The audit entry
	// records the identity, never the message content.
	caller, ok := g.allowlist.Authorize(from)
	if !ok {
		g.logger.Warn("unauthorized caller rejected",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("caller", from))
		w.WriteHeader(http.StatusOK)
		return
	}
	server.AddLogField(r.Context(), "caller", string(caller))

	// 3. Throttling. A throttled caller is known and authorized, so it
	// does get a visible reply.
	if d := g.limiter.Allow(string(caller)); !d.Allowed {
		g.logger.Warn("caller rate limited",
			slog.String("caller", string(caller)),
			slog.Time("window_reset", d.Reset))
		g.reply(w, fmt.Sprintf("Rate limit exceeded. Max %d requests per hour.", g.limiter.Max()))
		return
	}

	// 4. Command dispatch.
	cmd := command.Parse(r.PostForm.Get("Body"))
	server.AddLogField(r.Context(), "command", cmd.String())

	switch cmd {
	case command.OpenDoor:
		g.reply(w, g.openDoor(r.Context(), caller))
	case command.QueryStatus:
		g.reply(w, g.statusReply())
	default:
		g.reply(w, "Unknown command. Send 'door' to open, 'status' for status.")
	}
}

// openDoor runs one actuation attempt and maps its outcome to the
// user-facing reply. Full failure detail stays in internal logs.
func (g *Gateway) openDoor(ctx context.Context, caller authz.Caller) string {
	attempt := g.door.Actuate(ctx)

	g.logger.Info("door command handled",
		slog.String("caller", string(caller)),
		slog.String("outcome", attempt.Outcome.String()))

	switch attempt.Outcome {
	case actuator.OutcomeSuccess:
		return fmt.Sprintf("Door opened at %s", g.now().Format("3:04PM"))
	case actuator.OutcomeSessionExpired:
		return "Session expired. Re-authenticate on the server."
	case actuator.OutcomeBusy:
		return "Another door request is in progress. Try again shortly."
	default:
		// ElementNotFound, Timeout, UnknownFailure: one generic reply.
		return "Failed to open door. Try again or check the session."
	}
}

// statusReply reports session state and liveness. Pure read: nothing in
// this path mutates any state.
func (g *Gateway) statusReply() string {
	switch g.sessions.State() {
	case session.Authenticated:
		return "Server online. Session active."
	case session.Expired:
		return "Server online. Session expired. Re-authenticate on the server."
	default:
		return "Server online. No session found."
	}
}

// reply writes a TwiML SMS reply.
func (g *Gateway) reply(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, twilio.Reply(message))
}
