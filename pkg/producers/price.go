package producers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/marketdata"
)

// Quote is one mark observation from an external feed.
type Quote struct {
	Symbol     string
	Price      float64
	Venue      string
	ObservedAt time.Time
}

// Quoter fetches current marks for a symbol set. Implementations wrap the
// exchange or aggregator HTTP/WS clients; errors surface through Collect
// and are classified by the framework.
type Quoter interface {
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
}

// PriceProducer publishes mark prices as signal.price_ws.v1 events and
// mirrors them into the mark price store the broker reads.
type PriceProducer struct {
	name    string
	symbols []string
	quoter  Quoter
	sink    marketdata.PriceSink
	maxAge  time.Duration
}

func NewPriceProducer(name string, symbols []string, quoter Quoter, sink marketdata.PriceSink) *PriceProducer {
	return &PriceProducer{
		name:    name,
		symbols: symbols,
		quoter:  quoter,
		sink:    sink,
		maxAge:  2 * time.Minute,
	}
}

func (p *PriceProducer) Name() string     { return p.name }
func (p *PriceProducer) Domain() Domain   { return DomainTechnical }
func (p *PriceProducer) Schedule() string { return ScheduleContinuous }

func (p *PriceProducer) Collect(ctx context.Context) ([]events.Draft, error) {
	quotes, err := p.quoter.Quotes(ctx, p.symbols)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	drafts := make([]events.Draft, 0, len(quotes))
	for _, q := range quotes {
		if q.Price <= 0 {
			return nil, fmt.Errorf("producers: non-positive mark %v for %s", q.Price, q.Symbol)
		}
		if !q.ObservedAt.IsZero() && now.Sub(q.ObservedAt) > p.maxAge {
			return nil, fmt.Errorf("%w: %s mark observed %s ago",
				ErrStaleData, q.Symbol, now.Sub(q.ObservedAt).Round(time.Second))
		}
		symbol := strings.ToUpper(q.Symbol)
		if p.sink != nil {
			if serr := p.sink.SetMark(ctx, symbol, q.Price); serr != nil {
				return nil, serr
			}
		}
		observed := q.ObservedAt
		if observed.IsZero() {
			observed = now
		}
		drafts = append(drafts, events.Draft{
			Type: events.SignalPriceWSV1,
			Payload: map[string]interface{}{
				"symbol": symbol,
				"price":  q.Price,
				"venue":  q.Venue,
			},
			ObservedAt: &observed,
			Source:     p.name,
			DedupeKey:  events.PeriodicDedupeKey(events.SignalPriceWSV1, p.name, symbol, observed),
		})
	}
	return drafts, nil
}

// FundingSnapshot is one derivatives funding/basis observation.
type FundingSnapshot struct {
	Symbol      string
	FundingAPR  float64
	BasisPct    float64
	OIChangePct float64
	ObservedAt  time.Time
}

// FundingSource fetches derivatives market structure per symbol.
type FundingSource interface {
	Funding(ctx context.Context, symbol string) (*FundingSnapshot, error)
}

// TradFiProducer polls funding and basis per symbol on a periodic schedule
// and publishes signal.tradfi.v1 events.
type TradFiProducer struct {
	name     string
	symbols  []string
	source   FundingSource
	schedule string
}

func NewTradFiProducer(name string, symbols []string, source FundingSource, schedule string) *TradFiProducer {
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	return &TradFiProducer{name: name, symbols: symbols, source: source, schedule: schedule}
}

func (p *TradFiProducer) Name() string     { return p.name }
func (p *TradFiProducer) Domain() Domain   { return DomainTradFi }
func (p *TradFiProducer) Schedule() string { return p.schedule }

func (p *TradFiProducer) Collect(ctx context.Context) ([]events.Draft, error) {
	drafts := make([]events.Draft, 0, len(p.symbols))
	for _, symbol := range p.symbols {
		snap, err := p.source.Funding(ctx, symbol)
		if err != nil {
			return nil, err
		}
		observed := snap.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		payload := map[string]interface{}{
			"symbol":             strings.ToUpper(snap.Symbol),
			"funding_annualized": snap.FundingAPR,
			"basis_annualized":   snap.BasisPct,
			"oi_change_pct":      snap.OIChangePct,
		}
		key, err := events.DedupeKey(events.SignalTradFiV1, payload)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, events.Draft{
			Type:       events.SignalTradFiV1,
			Payload:    payload,
			ObservedAt: &observed,
			Source:     p.name,
			DedupeKey:  key,
		})
	}
	return drafts, nil
}
