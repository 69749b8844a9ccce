package brain

// Regime labels the market environment.
type Regime string

const (
	RegimeBull       Regime = "BULL"
	RegimeBear       Regime = "BEAR"
	RegimeCrisis     Regime = "CRISIS"
	RegimeTransition Regime = "TRANSITION"
)

// RegimeIndicators is the small panel the detector votes on, drawn from the
// BTC feature snapshot. Nil means the indicator is unavailable this cycle.
type RegimeIndicators struct {
	RSI14             *float64
	FundingAnnualized *float64
	BasisAnnualized   *float64
	FearGreed         *float64
}

// IndicatorsFromSnapshot pulls the regime panel out of a BTC snapshot.
func IndicatorsFromSnapshot(snap *Snapshot) RegimeIndicators {
	var ind RegimeIndicators
	if snap == nil {
		return ind
	}
	pick := func(features map[string]float64, name string) *float64 {
		if v, ok := features[name]; ok {
			return &v
		}
		return nil
	}
	ind.RSI14 = pick(snap.Features["technical"], "rsi_14")
	ind.FundingAnnualized = pick(snap.Features["tradfi"], "funding_annualized")
	ind.BasisAnnualized = pick(snap.Features["tradfi"], "basis_annualized")
	ind.FearGreed = pick(snap.Features["social"], "fear_greed")
	return ind
}

// DetectRegime runs the deterministic rule counter. CRISIS needs only two
// votes; BULL and BEAR need three.
func DetectRegime(ind RegimeIndicators) Regime {
	var bull, bear, crisis int

	if f := ind.FundingAnnualized; f != nil {
		if *f > 5 && *f < 30 {
			bull++
		}
		if *f < 0 {
			bear++
		}
		if *f < -10 {
			crisis++
		}
	}
	if b := ind.BasisAnnualized; b != nil {
		if *b > 3 && *b < 8 {
			bull++
		}
		if *b < 2 {
			bear++
		}
		if *b > 8 || *b < 1 {
			crisis++
		}
	}
	if r := ind.RSI14; r != nil {
		if *r > 50 {
			bull++
		}
		if *r < 30 {
			bear++
		}
	}
	if fg := ind.FearGreed; fg != nil {
		if *fg > 40 {
			bull++
		}
		if *fg < 25 {
			bear++
		}
		if *fg < 15 {
			crisis++
		}
	}

	switch {
	case crisis >= 2:
		return RegimeCrisis
	case bull >= 3:
		return RegimeBull
	case bear >= 3:
		return RegimeBear
	default:
		return RegimeTransition
	}
}

// CrisisVotes counts only the CRISIS column, used by the kill switch L3 rule.
func CrisisVotes(ind RegimeIndicators) int {
	votes := 0
	if f := ind.FundingAnnualized; f != nil && *f < -10 {
		votes++
	}
	if b := ind.BasisAnnualized; b != nil && (*b > 8 || *b < 1) {
		votes++
	}
	if fg := ind.FearGreed; fg != nil && *fg < 15 {
		votes++
	}
	return votes
}

// RegimeDetector tracks the previous label so regime_change events fire only
// on actual change. Startup re-derivation is allowed: construct with the last
// known label or empty.
type RegimeDetector struct {
	current Regime
}

func NewRegimeDetector(last Regime) *RegimeDetector {
	return &RegimeDetector{current: last}
}

// Current returns the last detected regime, or TRANSITION before the first
// detection.
func (d *RegimeDetector) Current() Regime {
	if d.current == "" {
		return RegimeTransition
	}
	return d.current
}

// Observe runs detection and reports whether the label changed.
func (d *RegimeDetector) Observe(ind RegimeIndicators) (regime Regime, changed bool) {
	regime = DetectRegime(ind)
	changed = regime != d.current && d.current != ""
	if d.current == "" {
		changed = regime != RegimeTransition
	}
	d.current = regime
	return regime, changed
}
