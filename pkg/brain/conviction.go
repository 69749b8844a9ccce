package brain

import (
	"fmt"
	"time"

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/events"
)

// Counter-thesis penalties. CTS only activates above the PCS threshold, and
// any fired penalty adds a fixed extra on top.
const (
	ctsActivationPCS   = 75.0
	penaltyOverheatRSI = 25.0
	penaltyFunding     = 25.0
	penaltyBasis       = 20.0
	penaltyCrisis      = 30.0
	penaltyAnyExtra    = 10.0
)

// Conviction is the scored output for one symbol in one cycle.
type Conviction struct {
	CycleID        string
	NodeID         string
	Symbol         string
	Direction      string // long | short | neutral
	Magnitude      float64
	Timeframe      string
	TS             time.Time
	PCS            float64
	CTS            float64
	Final          float64
	Regime         Regime
	DomainsUsed    []string
	CommitmentHash string
}

// Score computes PCS, the counter-thesis, and the final direction/magnitude
// from a synthesis snapshot and the current regime.
func Score(cycleID, nodeID string, snap *Snapshot, regime Regime) (*Conviction, error) {
	pcs := clamp(snap.WeightedScore*100, 0, 100)

	var cts float64
	if pcs > ctsActivationPCS {
		fired := false
		tech := snap.Features["technical"]
		tradfi := snap.Features["tradfi"]
		if rsi, ok := tech["rsi_14"]; ok && rsi >= 70 {
			cts += penaltyOverheatRSI
			fired = true
		}
		if f, ok := tradfi["funding_annualized"]; ok && f >= 30 {
			cts += penaltyFunding
			fired = true
		}
		if b, ok := tradfi["basis_annualized"]; ok && b >= 8 {
			cts += penaltyBasis
			fired = true
		}
		if regime == RegimeCrisis {
			cts += penaltyCrisis
			fired = true
		}
		if fired {
			cts += penaltyAnyExtra
		}
		cts = clamp(cts, 0, 100)
	}

	final := clamp(pcs*(1-cts/200), 0, 100)

	direction := "neutral"
	switch {
	case final >= 55:
		direction = "long"
	case final <= 45:
		direction = "short"
	}
	magnitude := clamp(abs(final-50)/5, 0, 10)

	c := &Conviction{
		CycleID:     cycleID,
		NodeID:      nodeID,
		Symbol:      snap.Symbol,
		Direction:   direction,
		Magnitude:   magnitude,
		Timeframe:   "1d",
		TS:          snap.TS,
		PCS:         pcs,
		CTS:         cts,
		Final:       final,
		Regime:      regime,
		DomainsUsed: snap.DomainsUsed,
	}

	// Commit to the payload before the hash field is attached.
	payload, err := c.payload(false)
	if err != nil {
		return nil, err
	}
	c.CommitmentHash, err = canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("brain: commitment hash: %w", err)
	}
	return c, nil
}

func (c *Conviction) payload(withCommitment bool) (map[string]interface{}, error) {
	p := events.ConvictionPayload{
		Symbol:      c.Symbol,
		Direction:   c.Direction,
		Magnitude:   c.Magnitude,
		Timeframe:   c.Timeframe,
		PCSScore:    c.PCS,
		Regime:      string(c.Regime),
		DomainsUsed: c.DomainsUsed,
	}
	if c.CTS > 0 {
		p.CTSScore = &c.CTS
	}
	if withCommitment {
		p.CommitmentHash = c.CommitmentHash
	}
	return events.ToMap(p)
}

// EventPayload returns the brain.conviction.v1 payload including the
// commitment hash.
func (c *Conviction) EventPayload() (map[string]interface{}, error) {
	return c.payload(true)
}

// VerifyCommitment recomputes the commitment hash from the payload minus the
// commitment field.
func (c *Conviction) VerifyCommitment() (bool, error) {
	p, err := c.payload(false)
	if err != nil {
		return false, err
	}
	h, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return false, err
	}
	return h == c.CommitmentHash, nil
}
