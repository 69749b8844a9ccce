// Package brain implements the per-cycle decision pipeline: data-quality
// grading, multi-domain feature synthesis, regime detection, conviction
// scoring with a counter-thesis, the kill-switch state machine, and the
// decision policy that turns conviction into trade intents.
package brain

import (
	"time"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
)

// DomainTypes maps each synthesis domain to the signal event types that feed
// it. A signal type belongs to exactly one domain.
var DomainTypes = map[config.Domain][]events.Type{
	config.DomainTechnical: {events.SignalTAV1, events.SignalOrderbookV1},
	config.DomainOnchain:   {events.SignalOnchainV1, events.SignalStablecoinV1, events.SignalWhaleV1},
	config.DomainTradFi:    {events.SignalTradFiV1, events.SignalETFV1},
	config.DomainSocial:    {events.SignalSocialV1, events.SignalSentimentV1, events.SignalACIV1},
	config.DomainEvents:    {events.SignalEventsV1},
	config.DomainCurator:   {events.SignalCuratorV1},
}

// ExpectedInterval is the freshness budget per domain. Quality degrades
// linearly past it and reaches zero at three times the budget.
var ExpectedInterval = map[config.Domain]time.Duration{
	config.DomainTechnical: 15 * time.Minute,
	config.DomainOnchain:   6 * time.Hour,
	config.DomainTradFi:    6 * time.Hour,
	config.DomainSocial:    6 * time.Hour,
	config.DomainEvents:    6 * time.Hour,
	config.DomainCurator:   24 * time.Hour,
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
