package producers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

const (
	// quarantineThreshold is the consecutive-failure count that trips
	// quarantine.
	quarantineThreshold = 5
	maxBackoff          = time.Hour
)

var (
	ErrDuplicateName    = errors.New("producers: name already registered")
	ErrUnknownProducer  = errors.New("producers: not registered")
	ErrInvalidDomain    = errors.New("producers: invalid domain")
	ErrInvalidSchedule  = errors.New("producers: empty schedule")
	ErrRateLimited      = errors.New("producers: rate limited")
	ErrQuarantinedUntil = errors.New("producers: quarantined")
)

type registered struct {
	producer Producer
	limiter  *rate.Limiter
	interval time.Duration
}

// Registry holds registered producers and drives isolated runs. It owns the
// publish path and the producer_health rows.
type Registry struct {
	mu        sync.RWMutex
	producers map[string]*registered
	store     journal.Store
	db        *sql.DB
	validator *Validator
	log       *slog.Logger
	now       func() time.Time
}

func NewRegistry(store journal.Store, db *sql.DB, log *slog.Logger) (*Registry, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		producers: make(map[string]*registered),
		store:     store,
		db:        db,
		validator: v,
		log:       log.With("component", "producers"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register adds a producer. expectedInterval is the cadence the scheduler
// intends to honor; it sizes the steady-state rate limit and the backoff
// base. Names are unique for the life of the process and the health table.
func (r *Registry) Register(ctx context.Context, p Producer, expectedInterval time.Duration) error {
	if !validDomain(p.Domain()) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, p.Domain())
	}
	if p.Schedule() == "" {
		return fmt.Errorf("%w: producer %s", ErrInvalidSchedule, p.Name())
	}
	if expectedInterval <= 0 {
		expectedInterval = time.Minute
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.producers[p.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name())
	}

	// Steady state allows one run per expected interval with a burst of
	// two so a missed slot can catch up.
	lim := rate.NewLimiter(rate.Every(expectedInterval), 2)
	r.producers[p.Name()] = &registered{producer: p, limiter: lim, interval: expectedInterval}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO producer_health (name, domain, schedule, expected_interval_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			domain = excluded.domain,
			schedule = excluded.schedule,
			expected_interval_ms = excluded.expected_interval_ms`,
		p.Name(), string(p.Domain()), p.Schedule(), expectedInterval.Milliseconds())
	if err != nil {
		delete(r.producers, p.Name())
		return fmt.Errorf("producers: seed health row: %w", err)
	}
	return nil
}

// Names returns registered producer names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.producers))
	for name := range r.producers {
		out = append(out, name)
	}
	return out
}

// Run executes one isolated producer run. It never returns an error for a
// producer failure; failures land in the Result and the health row. The
// returned error covers framework faults only (unknown name, DB down).
func (r *Registry) Run(ctx context.Context, name string) (*Result, error) {
	r.mu.RLock()
	reg, ok := r.producers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, name)
	}

	now := r.now()
	res := &Result{Producer: name, Timestamp: now, Health: HealthOK}

	h, err := r.health(ctx, name)
	if err != nil {
		return nil, err
	}
	if h.QuarantinedUntil != nil && now.Before(*h.QuarantinedUntil) {
		res.Health = HealthQuarantined
		res.Errors = append(res.Errors, fmt.Sprintf("quarantined until %s: %s",
			h.QuarantinedUntil.Format(time.RFC3339), h.QuarantinedReason))
		return res, nil
	}

	if !reg.limiter.Allow() {
		res.Health = HealthOK
		res.Errors = append(res.Errors, ErrRateLimited.Error())
		return res, nil
	}

	drafts, collectErr := r.collect(ctx, reg.producer)
	res.Duration = r.now().Sub(now)

	if collectErr == nil {
		for i := range drafts {
			if verr := r.validator.Validate(drafts[i].Type, drafts[i].Payload); verr != nil {
				collectErr = verr
				drafts = nil
				break
			}
			if drafts[i].Source == "" {
				drafts[i].Source = name
			}
		}
	}

	if collectErr == nil && len(drafts) > 0 {
		committed, appendErr := r.store.AppendBatch(ctx, drafts)
		if appendErr != nil {
			collectErr = appendErr
		} else {
			res.EventsPublished = len(committed)
			res.StalenessMS = staleness(drafts, now)
		}
	}

	if collectErr != nil {
		res.Health = classify(collectErr)
		res.Errors = append(res.Errors, collectErr.Error())
	} else if res.StalenessMS > 2*reg.interval.Milliseconds() {
		res.Health = HealthStale
	}

	if err := r.recordRun(ctx, name, reg, res); err != nil {
		return nil, err
	}

	if res.Health == HealthError {
		r.log.Warn("producer run failed", "producer", name, "errors", res.Errors)
	} else {
		r.log.Debug("producer run", "producer", name,
			"health", string(res.Health), "events", res.EventsPublished)
	}
	return res, nil
}

// collect invokes the producer behind a recover so a panicking collector is
// indistinguishable from one returning an error.
func (r *Registry) collect(ctx context.Context, p Producer) (drafts []events.Draft, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			drafts, err = nil, fmt.Errorf("producers: %s panicked: %v", p.Name(), rec)
		}
	}()
	return p.Collect(ctx)
}

func staleness(drafts []events.Draft, now time.Time) int64 {
	var oldest time.Time
	for _, d := range drafts {
		if d.ObservedAt != nil && (oldest.IsZero() || d.ObservedAt.Before(oldest)) {
			oldest = *d.ObservedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	ms := now.Sub(oldest).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// HealthRow mirrors one producer_health record.
type HealthRow struct {
	Name                string
	Domain              Domain
	Schedule            string
	LastRunAt           *time.Time
	LastSuccessAt       *time.Time
	LastError           string
	ConsecutiveFailures int
	EventsProduced      int64
	AvgDurationMS       float64
	ExpectedIntervalMS  int64
	QuarantinedUntil    *time.Time
	QuarantinedReason   string
}

func (r *Registry) health(ctx context.Context, name string) (*HealthRow, error) {
	var (
		h                                   HealthRow
		domain, schedule                    string
		lastRun, lastSuccess, lastErr       sql.NullString
		quarantinedUntil, quarantinedReason sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT name, domain, schedule, last_run_at, last_success_at, last_error,
			consecutive_failures, events_produced, avg_duration_ms, expected_interval_ms,
			quarantined_until, quarantined_reason
		 FROM producer_health WHERE name = ?`, name).
		Scan(&h.Name, &domain, &schedule, &lastRun, &lastSuccess, &lastErr,
			&h.ConsecutiveFailures, &h.EventsProduced, &h.AvgDurationMS, &h.ExpectedIntervalMS,
			&quarantinedUntil, &quarantinedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, name)
	}
	if err != nil {
		return nil, fmt.Errorf("producers: load health: %w", err)
	}
	h.Domain = Domain(domain)
	h.Schedule = schedule
	h.LastRunAt = parseNullTime(lastRun)
	h.LastSuccessAt = parseNullTime(lastSuccess)
	h.LastError = lastErr.String
	h.QuarantinedUntil = parseNullTime(quarantinedUntil)
	h.QuarantinedReason = quarantinedReason.String
	return &h, nil
}

// Health returns the persisted health row for one producer.
func (r *Registry) Health(ctx context.Context, name string) (*HealthRow, error) {
	return r.health(ctx, name)
}

func (r *Registry) recordRun(ctx context.Context, name string, reg *registered, res *Result) error {
	// Degraded counts as neither success nor failure: credential rot must
	// not march a producer toward quarantine, but it is not a success.
	success := res.Health == HealthOK || res.Health == HealthStale
	failed := res.Health == HealthError
	nowStr := res.Timestamp.Format(time.RFC3339Nano)

	h, err := r.health(ctx, name)
	if err != nil {
		return err
	}

	failures := h.ConsecutiveFailures
	if success {
		failures = 0
	} else if failed {
		failures++
	}
	lastError := ""
	if !success && len(res.Errors) > 0 {
		lastError = res.Errors[len(res.Errors)-1]
	}

	// Exponentially weighted duration average for the status surface.
	avg := h.AvgDurationMS
	if avg == 0 {
		avg = float64(res.Duration.Milliseconds())
	} else {
		avg = avg*0.8 + float64(res.Duration.Milliseconds())*0.2
	}

	var quarantinedUntil, quarantinedReason interface{}
	if failed && failures >= quarantineThreshold {
		backoff := reg.interval * (1 << uint(failures-quarantineThreshold))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		until := res.Timestamp.Add(backoff)
		quarantinedUntil = until.Format(time.RFC3339Nano)
		quarantinedReason = fmt.Sprintf("%d consecutive failures", failures)
		res.Health = HealthQuarantined
		r.log.Warn("producer quarantined", "producer", name,
			"failures", failures, "until", until.Format(time.RFC3339))
	}

	var lastSuccess interface{}
	if success {
		lastSuccess = nowStr
	} else if h.LastSuccessAt != nil {
		lastSuccess = h.LastSuccessAt.Format(time.RFC3339Nano)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE producer_health SET
			last_run_at = ?,
			last_success_at = ?,
			last_error = ?,
			consecutive_failures = ?,
			events_produced = events_produced + ?,
			avg_duration_ms = ?,
			quarantined_until = ?,
			quarantined_reason = ?
		 WHERE name = ?`,
		nowStr, lastSuccess, nullIfEmpty(lastError), failures, res.EventsPublished,
		avg, quarantinedUntil, quarantinedReason, name)
	if err != nil {
		return fmt.Errorf("producers: record run: %w", err)
	}
	return nil
}

// RunAll runs every registered producer once, in registration-map order.
// Quarantined and rate-limited producers are skipped, not failed.
func (r *Registry) RunAll(ctx context.Context) ([]*Result, error) {
	names := r.Names()
	out := make([]*Result, 0, len(names))
	for _, name := range names {
		res, err := r.Run(ctx, name)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &ts
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
