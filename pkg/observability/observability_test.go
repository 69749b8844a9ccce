package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/config"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, config.Telemetry{Enabled: false}, "test", nil)
	require.NoError(t, err)

	// Every record path must be safe with no pipelines behind it.
	_, done := p.StartCycle(ctx, "cycle-1")
	done(errors.New("boom"))
	p.RecordAppend(ctx, "signal.ta.v1", 3)
	p.RecordTrade(ctx, "BTC", true)
	p.RecordConviction(ctx, "BTC", 72.5)
	p.RecordProducerRun(ctx, "price_ws", "ok")
	p.RecordError(ctx, "execution", errors.New("boom"))

	assert.NoError(t, p.Shutdown(ctx))
}

func TestNewLoggerLevels(t *testing.T) {
	debug := NewLogger(config.Logging{Level: "DEBUG"})
	assert.True(t, debug.Enabled(context.Background(), -4))

	warn := NewLogger(config.Logging{Level: "WARN", JSONOutput: true})
	assert.False(t, warn.Enabled(context.Background(), 0))
	assert.True(t, warn.Enabled(context.Background(), 4))
}
