package producers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/marketdata"
)

type fakeProducer struct {
	name    string
	domain  Domain
	collect func(ctx context.Context) ([]events.Draft, error)
}

func (f *fakeProducer) Name() string     { return f.name }
func (f *fakeProducer) Domain() Domain   { return f.domain }
func (f *fakeProducer) Schedule() string { return ScheduleContinuous }
func (f *fakeProducer) Collect(ctx context.Context) ([]events.Draft, error) {
	return f.collect(ctx)
}

func testStore(t *testing.T) *journal.SQLiteStore {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRegistry(t *testing.T) (*Registry, *journal.SQLiteStore) {
	t.Helper()
	store := testStore(t)
	r, err := NewRegistry(store, store.DB(), nil)
	require.NoError(t, err)
	return r, store
}

func taDraft(symbol string, rsi float64) events.Draft {
	return events.Draft{
		Type:    events.SignalTAV1,
		Payload: map[string]interface{}{"symbol": symbol, "rsi_14": rsi},
	}
}

func TestRegisterRejectsDuplicatesAndBadDomains(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p := &fakeProducer{name: "ta", domain: DomainTechnical,
		collect: func(context.Context) ([]events.Draft, error) { return nil, nil }}
	require.NoError(t, r.Register(ctx, p, time.Minute))
	assert.ErrorIs(t, r.Register(ctx, p, time.Minute), ErrDuplicateName)

	bad := &fakeProducer{name: "bad", domain: Domain("weather"),
		collect: func(context.Context) ([]events.Draft, error) { return nil, nil }}
	assert.ErrorIs(t, r.Register(ctx, bad, time.Minute), ErrInvalidDomain)
}

func TestRunPublishesThroughJournal(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	p := &fakeProducer{name: "ta", domain: DomainTechnical,
		collect: func(context.Context) ([]events.Draft, error) {
			return []events.Draft{taDraft("BTC", 42)}, nil
		}}
	require.NoError(t, r.Register(ctx, p, time.Minute))

	res, err := r.Run(ctx, "ta")
	require.NoError(t, err)
	assert.Equal(t, HealthOK, res.Health)
	assert.Equal(t, 1, res.EventsPublished)

	evs, err := store.Query(ctx, journal.Filter{Types: []events.Type{events.SignalTAV1}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "ta", evs[0].Source)
	assert.NotEmpty(t, evs[0].Hash)

	h, err := r.Health(ctx, "ta")
	require.NoError(t, err)
	assert.NotNil(t, h.LastSuccessAt)
	assert.Equal(t, int64(1), h.EventsProduced)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestRunIsolatesPanics(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p := &fakeProducer{name: "boom", domain: DomainOnchain,
		collect: func(context.Context) ([]events.Draft, error) { panic("collector bug") }}
	require.NoError(t, r.Register(ctx, p, time.Minute))

	res, err := r.Run(ctx, "boom")
	require.NoError(t, err)
	assert.Equal(t, HealthError, res.Health)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "panicked")
}

func TestRunMapsAuthFailuresToDegraded(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p := &fakeProducer{name: "auth", domain: DomainSocial,
		collect: func(context.Context) ([]events.Draft, error) {
			return nil, &StatusError{Code: 401, Msg: "key expired"}
		}}
	require.NoError(t, r.Register(ctx, p, time.Minute))

	res, err := r.Run(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, res.Health)

	// Degraded runs never march toward quarantine.
	h, err := r.Health(ctx, "auth")
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestQuarantineAfterFiveFailures(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p := &fakeProducer{name: "flaky", domain: DomainEvents,
		collect: func(context.Context) ([]events.Draft, error) {
			return nil, errors.New("connection reset")
		}}
	require.NoError(t, r.Register(ctx, p, time.Minute))

	// The steady-state limiter allows one run per interval; widen it so
	// the failure sequence runs back to back.
	r.producers["flaky"].limiter.SetLimit(rate.Inf)
	r.producers["flaky"].limiter.SetBurst(1000)

	var last *Result
	for i := 0; i < 5; i++ {
		var err error
		last, err = r.Run(ctx, "flaky")
		require.NoError(t, err)
	}
	assert.Equal(t, HealthQuarantined, last.Health)

	h, err := r.Health(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 5, h.ConsecutiveFailures)
	require.NotNil(t, h.QuarantinedUntil)
	assert.True(t, h.QuarantinedUntil.After(time.Now()))

	// While quarantined the scheduler skips the run entirely.
	res, err := r.Run(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, HealthQuarantined, res.Health)
	assert.Zero(t, res.EventsPublished)
}

func TestQuarantineClearsOnRecovery(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	fail := true
	p := &fakeProducer{name: "flaky", domain: DomainEvents,
		collect: func(context.Context) ([]events.Draft, error) {
			if fail {
				return nil, errors.New("connection reset")
			}
			return nil, nil
		}}
	require.NoError(t, r.Register(ctx, p, time.Minute))
	r.producers["flaky"].limiter.SetLimit(rate.Inf)
	r.producers["flaky"].limiter.SetBurst(1000)

	for i := 0; i < 5; i++ {
		_, err := r.Run(ctx, "flaky")
		require.NoError(t, err)
	}

	// Move the registry clock past the backoff window, then recover.
	r.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	fail = false

	res, err := r.Run(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, HealthOK, res.Health)

	h, err := r.Health(ctx, "flaky")
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Nil(t, h.QuarantinedUntil)
}

func TestSchemaViolationIsHardError(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	p := &fakeProducer{name: "ta", domain: DomainTechnical,
		collect: func(context.Context) ([]events.Draft, error) {
			// rsi_14 out of range, and no symbol.
			return []events.Draft{{
				Type:    events.SignalTAV1,
				Payload: map[string]interface{}{"rsi_14": 400.0},
			}}, nil
		}}
	require.NoError(t, r.Register(ctx, p, time.Minute))

	res, err := r.Run(ctx, "ta")
	require.NoError(t, err)
	assert.Equal(t, HealthError, res.Health)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "schema violation")

	// Nothing reached the journal.
	evs, err := store.Query(ctx, journal.Filter{Types: []events.Type{events.SignalTAV1}})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestDedupeOnRestartReplay(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	draft := taDraft("BTC", 42)
	key, err := events.DedupeKey(draft.Type, draft.Payload)
	require.NoError(t, err)
	draft.DedupeKey = key

	p := &fakeProducer{name: "ta", domain: DomainTechnical,
		collect: func(context.Context) ([]events.Draft, error) {
			d := draft
			return []events.Draft{d}, nil
		}}
	require.NoError(t, r.Register(ctx, p, time.Minute))

	_, err = r.Run(ctx, "ta")
	require.NoError(t, err)
	_, err = r.Run(ctx, "ta")
	require.NoError(t, err)

	evs, err := store.Query(ctx, journal.Filter{Types: []events.Type{events.SignalTAV1}})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

type fakeQuoter struct {
	quotes []Quote
	err    error
}

func (f *fakeQuoter) Quotes(context.Context, []string) ([]Quote, error) {
	return f.quotes, f.err
}

func TestPriceProducerFeedsSinkAndJournal(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()
	sink := marketdata.NewMemoryPrices()

	q := &fakeQuoter{quotes: []Quote{
		{Symbol: "btc", Price: 50_000, Venue: "paper", ObservedAt: time.Now().UTC()},
	}}
	p := NewPriceProducer("price_ws", []string{"BTC"}, q, sink)
	require.NoError(t, r.Register(ctx, p, time.Minute))

	res, err := r.Run(ctx, "price_ws")
	require.NoError(t, err)
	assert.Equal(t, HealthOK, res.Health)
	assert.Equal(t, 1, res.EventsPublished)

	mark, err := sink.Mark(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 50_000.0, mark)

	evs, err := store.Query(ctx, journal.Filter{Types: []events.Type{events.SignalPriceWSV1}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "BTC", evs[0].Payload["symbol"])
}

func TestPriceProducerRejectsStaleQuotes(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	q := &fakeQuoter{quotes: []Quote{
		{Symbol: "BTC", Price: 50_000, ObservedAt: time.Now().UTC().Add(-time.Hour)},
	}}
	p := NewPriceProducer("price_ws", []string{"BTC"}, q, nil)
	require.NoError(t, r.Register(ctx, p, time.Minute))

	res, err := r.Run(ctx, "price_ws")
	require.NoError(t, err)
	assert.Equal(t, HealthStale, res.Health)
}

type fakeFunding struct{ snap FundingSnapshot }

func (f *fakeFunding) Funding(_ context.Context, symbol string) (*FundingSnapshot, error) {
	s := f.snap
	s.Symbol = symbol
	return &s, nil
}

func TestTradFiProducerContentStableDedupe(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	src := &fakeFunding{snap: FundingSnapshot{FundingAPR: 12, BasisPct: 4.5, OIChangePct: 3}}
	p := NewTradFiProducer("tradfi", []string{"BTC"}, src, "")
	require.NoError(t, r.Register(ctx, p, time.Minute))
	r.producers["tradfi"].limiter.SetLimit(rate.Inf)
	r.producers["tradfi"].limiter.SetBurst(1000)

	_, err := r.Run(ctx, "tradfi")
	require.NoError(t, err)

	// Unchanged reading on the next poll dedupes to the same event.
	_, err = r.Run(ctx, "tradfi")
	require.NoError(t, err)

	evs, err := store.Query(ctx, journal.Filter{Types: []events.Type{events.SignalTradFiV1}})
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	// A changed reading publishes a new event.
	src.snap.FundingAPR = 18
	_, err = r.Run(ctx, "tradfi")
	require.NoError(t, err)
	evs, err = store.Query(ctx, journal.Filter{Types: []events.Type{events.SignalTradFiV1}})
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}
