// Package producers implements the collector framework: registered,
// schedulable signal sources that normalize external data into journal
// drafts. Every run is isolated; a producer failure never reaches the
// journal or the caller as a raised error.
package producers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
)

// Domain tags a producer with the brain domain its signals feed.
type Domain string

const (
	DomainTechnical Domain = "technical"
	DomainOnchain   Domain = "onchain"
	DomainTradFi    Domain = "tradfi"
	DomainSocial    Domain = "social"
	DomainEvents    Domain = "events"
	DomainCurator   Domain = "curator"
)

func validDomain(d Domain) bool {
	switch d {
	case DomainTechnical, DomainOnchain, DomainTradFi, DomainSocial, DomainEvents, DomainCurator:
		return true
	default:
		return false
	}
}

// ScheduleContinuous marks a producer that runs as often as the scheduler
// offers, subject only to its rate limit. Anything else is a cron-like
// descriptor the scheduler interprets.
const ScheduleContinuous = "continuous"

// Health is the state of a producer after a run.
type Health string

const (
	HealthOK          Health = "ok"
	HealthDegraded    Health = "degraded"
	HealthStale       Health = "stale"
	HealthError       Health = "error"
	HealthQuarantined Health = "quarantined"
)

// Producer is one collector. Collect fetches from the external source and
// returns normalized journal drafts; it must not append to the journal
// itself, the framework owns the publish path.
type Producer interface {
	Name() string
	Domain() Domain
	Schedule() string
	Collect(ctx context.Context) ([]events.Draft, error)
}

// Result is the record of one isolated run.
type Result struct {
	Producer        string        `json:"producer"`
	EventsPublished int           `json:"events_published"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration_ms"`
	Timestamp       time.Time     `json:"timestamp"`
	StalenessMS     int64         `json:"staleness_ms,omitempty"`
	Health          Health        `json:"health"`
}

// StatusError carries an upstream HTTP status through Collect. 401 and 403
// degrade the producer instead of counting as hard failures: credential rot
// is an operator problem, not a code path worth quarantining.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// ErrStaleData signals that the source responded but its data is older than
// the producer's acceptance window.
var ErrStaleData = errors.New("producers: stale data")

func classify(err error) Health {
	var se *StatusError
	if errors.As(err, &se) && (se.Code == 401 || se.Code == 403) {
		return HealthDegraded
	}
	if errors.Is(err, ErrStaleData) {
		return HealthStale
	}
	return HealthError
}
