package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/permissions"
	"github.com/b1e55ed/engine/pkg/ratelimit"
	"github.com/b1e55ed/engine/pkg/scoring"
)

// StatusProvider supplies the status document. The engine wires this to its
// projections and P&L tracker; the API never reaches into them directly.
type StatusProvider interface {
	Status(ctx context.Context) (map[string]interface{}, error)
}

// Server exposes exactly two surfaces: a status read and a signal submit.
type Server struct {
	auth       *Authenticator
	status     StatusProvider
	store      journal.Store
	db         *sql.DB
	registry   *scoring.Registry
	limits     ratelimit.SignalLimits
	universe   map[string]bool
	ipLimiter  *IPRateLimiter
	apiLimiter *ratelimit.APIRateLimiter
	apiLimit   int
	apiWindow  time.Duration
	log        *slog.Logger
}

// Options configure the server.
type Options struct {
	Auth     *Authenticator
	Status   StatusProvider
	Store    journal.Store
	DB       *sql.DB
	Registry *scoring.Registry
	Limits   ratelimit.SignalLimits
	Universe []string

	// APILimit requests per APIWindow per contributor, counted in the
	// api_rate_limits table. Zero values take the defaults.
	APILimit  int
	APIWindow time.Duration

	Log *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Limits.MaxPerHour == 0 {
		opts.Limits = ratelimit.DefaultSignalLimits()
	}
	if opts.APILimit <= 0 {
		opts.APILimit = 60
	}
	if opts.APIWindow <= 0 {
		opts.APIWindow = time.Minute
	}
	universe := make(map[string]bool, len(opts.Universe))
	for _, s := range opts.Universe {
		universe[strings.ToUpper(s)] = true
	}
	return &Server{
		auth:       opts.Auth,
		status:     opts.Status,
		store:      opts.Store,
		db:         opts.DB,
		registry:   opts.Registry,
		limits:     opts.Limits,
		universe:   universe,
		ipLimiter:  NewIPRateLimiter(10, 20),
		apiLimiter: ratelimit.NewAPIRateLimiter(opts.DB),
		apiLimit:   opts.APILimit,
		apiWindow:  opts.APIWindow,
		log:        opts.Log.With("component", "api"),
	}
}

// Handler assembles the route table behind request-id, per-IP limiting,
// bearer auth, and the persisted per-contributor quota.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", requirePermission(permissions.PermReadStatus, s.handleStatus))
	mux.HandleFunc("POST /v1/signals", requirePermission(permissions.PermSubmitSignal, s.handleSubmit))
	return RequestID(s.ipLimiter.Middleware(s.auth.Middleware(s.quotaMiddleware(mux))))
}

// quotaMiddleware enforces the fixed-window per-contributor quota. It sits
// behind auth so the key is the authenticated contributor, and the window
// lives in the api_rate_limits table so it survives restarts.
func (s *Server) quotaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			WriteUnauthorized(w, "")
			return
		}
		decision, err := s.apiLimiter.Allow(r.Context(), "api:"+principal.ContributorID,
			s.apiLimit, s.apiWindow, time.Now().UTC())
		if err != nil {
			WriteInternal(w, err)
			return
		}
		if !decision.Allowed {
			WriteTooManyRequests(w, int(decision.RetryAfter.Seconds()), decision.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.status.Status(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// SubmitRequest is one curator signal submission.
type SubmitRequest struct {
	Asset      string  `json:"asset"`
	Direction  string  `json:"direction"`
	Conviction float64 `json:"conviction"`
	Rationale  string  `json:"rationale,omitempty"`
}

// SubmitResponse acknowledges an accepted signal.
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) validate(req *SubmitRequest) string {
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	if req.Asset == "" {
		return "missing asset"
	}
	if len(s.universe) > 0 && !s.universe[req.Asset] {
		return fmt.Sprintf("asset %s is outside the tradable universe", req.Asset)
	}
	switch req.Direction {
	case "bullish", "bearish", "neutral":
	default:
		return "direction must be bullish, bearish, or neutral"
	}
	if req.Conviction < 0 || req.Conviction > 10 {
		return "conviction must be in [0, 10]"
	}
	return ""
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if reason := s.validate(&req); reason != "" {
		// Validation rejections cost the contributor no quota.
		WriteBadRequest(w, reason)
		return
	}

	limiter := ratelimit.NewSignalRateLimiter(s.db, s.scaledLimits(principal.Role))
	decision, err := limiter.Check(ctx, principal.ContributorID, req.Asset, req.Direction, time.Now().UTC())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !decision.Allowed {
		WriteTooManyRequests(w, int(decision.RetryAfter.Seconds()), decision.Reason)
		return
	}

	payload := map[string]interface{}{
		"symbol":     req.Asset,
		"direction":  req.Direction,
		"conviction": req.Conviction,
	}
	if req.Rationale != "" {
		payload["rationale"] = req.Rationale
	}
	key, err := events.DedupeKey(events.SignalCuratorV1, payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	ev, err := s.store.Append(ctx, events.Draft{
		Type:      events.SignalCuratorV1,
		Payload:   payload,
		Source:    "curator:" + principal.ContributorID,
		DedupeKey: key,
	})
	if errors.Is(err, journal.ErrDedupeConflict) {
		WriteError(w, http.StatusConflict, "Conflict", "A divergent signal already holds this dedupe key")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if err := s.registry.RecordSignal(ctx, ev.ID, principal.ContributorID,
		req.Asset, req.Direction, req.Conviction, true); err != nil {
		// The event is committed; the scoring row is best-effort.
		s.log.Warn("record signal failed", "event_id", ev.ID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SubmitResponse{Accepted: true, EventID: ev.ID})
}

// scaledLimits applies the role quota multiplier to the base limits.
func (s *Server) scaledLimits(role permissions.Role) ratelimit.SignalLimits {
	scale := permissions.QuotaScale(role)
	scaled := s.limits
	scaled.MaxPerHour = int(float64(scaled.MaxPerHour) * scale)
	scaled.MaxPerDay = int(float64(scaled.MaxPerDay) * scale)
	if scaled.MaxPerHour < 1 {
		scaled.MaxPerHour = 1
	}
	if scaled.MaxPerDay < 1 {
		scaled.MaxPerDay = 1
	}
	return scaled
}

// ListenAndServe runs the server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
