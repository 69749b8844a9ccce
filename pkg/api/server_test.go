package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/permissions"
	"github.com/b1e55ed/engine/pkg/ratelimit"
	"github.com/b1e55ed/engine/pkg/scoring"
)

type staticStatus map[string]interface{}

func (s staticStatus) Status(context.Context) (map[string]interface{}, error) {
	return s, nil
}

type fixture struct {
	server *Server
	auth   *Authenticator
	store  *journal.SQLiteStore
	reg    *scoring.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auth := NewAuthenticator([]byte("test-secret"))
	reg := scoring.NewRegistry(store.DB())
	server := NewServer(Options{
		Auth:     auth,
		Status:   staticStatus{"kill_switch": "SAFE", "equity": 10000.0},
		Store:    store,
		DB:       store.DB(),
		Registry: reg,
		Universe: []string{"BTC", "ETH"},
	})
	return &fixture{server: server, auth: auth, store: store, reg: reg}
}

func (f *fixture) token(t *testing.T, contributorID string, role permissions.Role) string {
	t.Helper()
	tok, err := f.auth.IssueToken(contributorID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusRequiresAuth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = f.do(t, http.MethodGet, "/v1/status", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusReturnsDocument(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "c1", permissions.RoleCurator)

	w := f.do(t, http.MethodGet, "/v1/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "SAFE", doc["kill_switch"])
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok, err := f.auth.IssueToken("c1", permissions.RoleCurator, -time.Minute)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/status", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitJournalsCuratorSignal(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "c1", permissions.RoleCurator)

	w := f.do(t, http.MethodPost, "/v1/signals", tok, SubmitRequest{
		Asset: "btc", Direction: "bullish", Conviction: 7,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	require.NotEmpty(t, resp.EventID)

	ev, err := f.store.GetByID(context.Background(), resp.EventID)
	require.NoError(t, err)
	assert.Equal(t, events.SignalCuratorV1, ev.Type)
	assert.Equal(t, "BTC", ev.Payload["symbol"])
	assert.Equal(t, "curator:c1", ev.Source)

	// The scoring row exists and is accepted.
	var accepted int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT accepted FROM contributor_signals WHERE event_id = ?`, resp.EventID).Scan(&accepted))
	assert.Equal(t, 1, accepted)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "c1", permissions.RoleCurator)

	cases := []SubmitRequest{
		{Asset: "", Direction: "bullish", Conviction: 5},
		{Asset: "DOGE", Direction: "bullish", Conviction: 5}, // outside universe
		{Asset: "BTC", Direction: "up", Conviction: 5},
		{Asset: "BTC", Direction: "bullish", Conviction: 15},
	}
	for _, tc := range cases {
		w := f.do(t, http.MethodPost, "/v1/signals", tok, tc)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%+v", tc)
	}

	// Validation rejections consumed no quota.
	var n int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM contributor_signals`).Scan(&n))
	assert.Zero(t, n)
}

func TestSubmitDuplicateRateLimited(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "c1", permissions.RoleCurator)

	req := SubmitRequest{Asset: "BTC", Direction: "bullish", Conviction: 7}
	w := f.do(t, http.MethodPost, "/v1/signals", tok, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Same (asset, direction) inside the duplicate window.
	req.Conviction = 8
	w = f.do(t, http.MethodPost, "/v1/signals", tok, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A different direction passes.
	w = f.do(t, http.MethodPost, "/v1/signals", tok, SubmitRequest{
		Asset: "BTC", Direction: "bearish", Conviction: 3,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTesterQuotaIsScaled(t *testing.T) {
	f := newFixture(t)
	f.server.limits = ratelimit.SignalLimits{MaxPerHour: 8, MaxPerDay: 100, DuplicateWindow: time.Millisecond}
	tok := f.token(t, "t1", permissions.RoleTester)

	// Tester quota is a quarter of the base: 2 per hour here.
	assets := []string{"BTC", "ETH"}
	for _, a := range assets {
		w := f.do(t, http.MethodPost, "/v1/signals", tok, SubmitRequest{
			Asset: a, Direction: "bullish", Conviction: 5,
		})
		require.Equal(t, http.StatusOK, w.Code, a)
	}
	w := f.do(t, http.MethodPost, "/v1/signals", tok, SubmitRequest{
		Asset: "BTC", Direction: "bearish", Conviction: 5,
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestContributorQuotaPersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	f.server.apiLimit = 2
	f.server.apiWindow = time.Hour
	tok := f.token(t, "c1", permissions.RoleCurator)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/v1/status", tok, nil)
		require.Equal(t, http.StatusOK, w.Code, "call %d", i)
	}
	w := f.do(t, http.MethodGet, "/v1/status", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A fresh server over the same database still sees the spent window.
	restarted := NewServer(Options{
		Auth:      f.auth,
		Status:    staticStatus{},
		Store:     f.store,
		DB:        f.store.DB(),
		Registry:  f.reg,
		Universe:  []string{"BTC"},
		APILimit:  2,
		APIWindow: time.Hour,
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	restarted.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another contributor has its own window.
	w = f.do(t, http.MethodGet, "/v1/status", f.token(t, "c2", permissions.RoleCurator), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "c1", permissions.RoleOperator)
	w := f.do(t, http.MethodGet, "/v1/nope", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
