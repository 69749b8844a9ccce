package brain

import (
	"time"

	"github.com/b1e55ed/engine/pkg/config"
)

// QualityReport grades per-domain signal freshness for one cycle.
type QualityReport struct {
	PerDomainQuality   map[config.Domain]float64
	PerDomainStaleness map[config.Domain]time.Duration
	MissingDomains     []config.Domain
	OverallQuality     float64
}

// AssessQuality computes freshness quality per domain from the timestamp of
// the newest event in each domain. A nil entry means the domain has never
// produced an event.
//
// quality is 1 within the expected interval, decays linearly to 0 at three
// times the interval, and is 0 for missing domains.
func AssessQuality(now time.Time, latest map[config.Domain]*time.Time) *QualityReport {
	r := &QualityReport{
		PerDomainQuality:   make(map[config.Domain]float64, len(config.Domains)),
		PerDomainStaleness: make(map[config.Domain]time.Duration, len(config.Domains)),
	}

	var sum float64
	for _, d := range config.Domains {
		ts := latest[d]
		if ts == nil {
			r.PerDomainQuality[d] = 0
			r.MissingDomains = append(r.MissingDomains, d)
			continue
		}
		staleness := now.Sub(*ts)
		if staleness < 0 {
			staleness = 0
		}
		r.PerDomainStaleness[d] = staleness

		expected := ExpectedInterval[d]
		var q float64
		switch {
		case staleness <= expected:
			q = 1
		case staleness >= 3*expected:
			q = 0
		default:
			q = 1 - float64(staleness-expected)/float64(2*expected)
		}
		r.PerDomainQuality[d] = q
		sum += q
	}
	r.OverallQuality = sum / float64(len(config.Domains))
	return r
}

// AdjustedWeights multiplies each base weight by its domain quality and
// renormalizes the result to sum to 1. When every product is zero the base
// weights are returned unchanged.
func (r *QualityReport) AdjustedWeights(base map[config.Domain]float64) map[config.Domain]float64 {
	adjusted := make(map[config.Domain]float64, len(base))
	var total float64
	for d, w := range base {
		adjusted[d] = w * r.PerDomainQuality[d]
		total += adjusted[d]
	}
	if total == 0 {
		out := make(map[config.Domain]float64, len(base))
		for d, w := range base {
			out[d] = w
		}
		return out
	}
	for d := range adjusted {
		adjusted[d] /= total
	}
	return adjusted
}
