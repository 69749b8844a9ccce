// Package ratelimit guards the signal submission path and the HTTP API.
// Both limiters are DB-backed so limits hold across restarts and processes.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Decision is the limiter verdict. RetryAfter is zero when allowed.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

func allowed() Decision { return Decision{Allowed: true} }

// SignalLimits configure the per-contributor signal limiter.
type SignalLimits struct {
	MaxPerHour      int
	MaxPerDay       int
	DuplicateWindow time.Duration
}

func DefaultSignalLimits() SignalLimits {
	return SignalLimits{MaxPerHour: 20, MaxPerDay: 100, DuplicateWindow: 30 * time.Minute}
}

// SignalRateLimiter rates contributor signal submissions against the
// recorded signal history. It never pre-consumes quota: a rejection at any
// later validation stage costs the contributor nothing.
type SignalRateLimiter struct {
	db     *sql.DB
	limits SignalLimits
}

func NewSignalRateLimiter(db *sql.DB, limits SignalLimits) *SignalRateLimiter {
	if limits.MaxPerHour <= 0 {
		limits = DefaultSignalLimits()
	}
	return &SignalRateLimiter{db: db, limits: limits}
}

func (l *SignalRateLimiter) countSince(ctx context.Context, contributorID string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contributor_signals WHERE contributor_id = ? AND created_at >= ?`,
		contributorID, since.Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count signals: %w", err)
	}
	return n, nil
}

// windowRetry is the time until the oldest submission still counted in the
// window ages out and frees a slot. The full window is the fallback when the
// oldest row cannot be read.
func (l *SignalRateLimiter) windowRetry(ctx context.Context, contributorID string, window time.Duration, now time.Time) time.Duration {
	var oldest sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM contributor_signals WHERE contributor_id = ? AND created_at >= ?`,
		contributorID, now.Add(-window).Format(time.RFC3339Nano)).Scan(&oldest)
	if err != nil || !oldest.Valid {
		return window
	}
	ts, err := time.Parse(time.RFC3339Nano, oldest.String)
	if err != nil {
		return window
	}
	retry := ts.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry
}

// Check evaluates hourly quota, daily quota, and the duplicate gate in that
// order.
func (l *SignalRateLimiter) Check(ctx context.Context, contributorID, asset, direction string, now time.Time) (Decision, error) {
	hourly, err := l.countSince(ctx, contributorID, now.Add(-time.Hour))
	if err != nil {
		return Decision{}, err
	}
	if hourly >= l.limits.MaxPerHour {
		return Decision{
			Reason:     fmt.Sprintf("hourly limit of %d signals reached", l.limits.MaxPerHour),
			RetryAfter: l.windowRetry(ctx, contributorID, time.Hour, now),
		}, nil
	}

	daily, err := l.countSince(ctx, contributorID, now.Add(-24*time.Hour))
	if err != nil {
		return Decision{}, err
	}
	if daily >= l.limits.MaxPerDay {
		return Decision{
			Reason:     fmt.Sprintf("daily limit of %d signals reached", l.limits.MaxPerDay),
			RetryAfter: l.windowRetry(ctx, contributorID, 24*time.Hour, now),
		}, nil
	}

	var lastDup sql.NullString
	err = l.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM contributor_signals
		 WHERE contributor_id = ? AND signal_asset = ? AND signal_direction = ? AND created_at >= ?`,
		contributorID, strings.ToUpper(asset), direction,
		now.Add(-l.limits.DuplicateWindow).Format(time.RFC3339Nano)).Scan(&lastDup)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: duplicate check: %w", err)
	}
	if lastDup.Valid {
		last, perr := time.Parse(time.RFC3339Nano, lastDup.String)
		retry := l.limits.DuplicateWindow
		if perr == nil {
			retry = l.limits.DuplicateWindow - now.Sub(last)
			if retry < 0 {
				retry = 0
			}
		}
		return Decision{
			Reason:     fmt.Sprintf("duplicate %s/%s signal within %s", strings.ToUpper(asset), direction, l.limits.DuplicateWindow),
			RetryAfter: retry,
		}, nil
	}

	return allowed(), nil
}

// APIRateLimiter is a fixed-window counter keyed by caller, persisted in the
// api_rate_limits table.
type APIRateLimiter struct {
	db *sql.DB
}

func NewAPIRateLimiter(db *sql.DB) *APIRateLimiter {
	return &APIRateLimiter{db: db}
}

// Allow consumes one unit from the caller's window. Unlike the signal
// limiter, API calls count whether or not the request later succeeds.
func (l *APIRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	windowSec := int64(window / time.Second)
	if windowSec <= 0 {
		windowSec = 60
	}
	windowStart := now.Unix() - now.Unix()%windowSec

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT count FROM api_rate_limits WHERE key = ? AND window_start = ? AND window_seconds = ?`,
		key, windowStart, windowSec).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return Decision{}, fmt.Errorf("ratelimit: read window: %w", err)
	}
	if count >= limit {
		return Decision{
			Reason:     fmt.Sprintf("rate limit of %d per %s exceeded", limit, window),
			RetryAfter: time.Duration(windowStart+windowSec-now.Unix()) * time.Second,
		}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_rate_limits (key, window_start, window_seconds, count, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (key, window_start, window_seconds) DO UPDATE SET
			count = count + 1, updated_at = excluded.updated_at`,
		key, windowStart, windowSec, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: bump window: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return allowed(), nil
}

// Prune drops windows that ended before cutoff.
func (l *APIRateLimiter) Prune(ctx context.Context, cutoff time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM api_rate_limits WHERE window_start + window_seconds < ?`, cutoff.Unix())
	if err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	return nil
}
