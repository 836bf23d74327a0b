package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"confluence/internal/market"
	"confluence/internal/orchestrator"
	"confluence/internal/pkg/circuit"
	"confluence/internal/store/journal"
)

type MockInstruments struct {
	mock.Mock
}

func (m *MockInstruments) Initialized() bool {
	return m.Called().Bool(0)
}

func (m *MockInstruments) AddInstrument(raw string) (string, error) {
	args := m.Called(raw)
	return args.String(0), args.Error(1)
}

func (m *MockInstruments) RemoveInstrument(ctx context.Context, raw string) error {
	return m.Called(ctx, raw).Error(0)
}

func (m *MockInstruments) Snapshot() []orchestrator.TrackedInstrument {
	return m.Called().Get(0).([]orchestrator.TrackedInstrument)
}

func (m *MockInstruments) Instrument(raw string) (orchestrator.TrackedInstrument, bool) {
	args := m.Called(raw)
	return args.Get(0).(orchestrator.TrackedInstrument), args.Bool(1)
}

type stubUsage struct{}

func (stubUsage) Usage() market.Usage {
	return market.Usage{Requests: 3, Weight: 11, Window: time.Minute}
}

type stubBreaker struct{}

func (stubBreaker) BreakerState() circuit.State { return circuit.StateOpen }

type stubJournal struct{}

func (stubJournal) RecentEvaluations(_ context.Context, symbol string, limit int) ([]journal.EvaluationModel, error) {
	return []journal.EvaluationModel{{Symbol: symbol, DurationMs: int64(limit)}}, nil
}

func (stubJournal) RecentEvents(context.Context, string, int) ([]journal.EventModel, error) {
	return nil, fmt.Errorf("db locked")
}

func newTestServer(t *testing.T, inst *MockInstruments) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Instruments: inst,
		Journal:     stubJournal{},
		Usage:       stubUsage{},
		Breaker:     stubBreaker{},
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "metric 1") }),
	})
	require.NoError(t, err)
	return srv.Handler()
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsLifecycle(t *testing.T) {
	inst := &MockInstruments{}
	inst.On("Initialized").Return(true).Once()
	inst.On("Initialized").Return(false)
	h := newTestServer(t, inst)

	rec := do(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"breaker":"open"`)

	rec = do(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stopped"`)

	rec = do(h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, "metric 1", rec.Body.String())
}

func TestAddInstrumentMapsErrors(t *testing.T) {
	inst := &MockInstruments{}
	inst.On("AddInstrument", "btc/usdt").Return("BTCUSDT", nil)
	inst.On("Instrument", "BTCUSDT").Return(orchestrator.TrackedInstrument{Symbol: "BTCUSDT", Active: true}, true)
	inst.On("AddInstrument", "DOGEUSDT").Return("", fmt.Errorf("%w: 20", orchestrator.ErrMaxSymbols))
	inst.On("AddInstrument", "???").Return("", fmt.Errorf("%w: %q", orchestrator.ErrInvalidSymbol, "???"))
	h := newTestServer(t, inst)

	rec := do(h, http.MethodPost, "/api/instruments", addInstrumentRequest{Symbol: "btc/usdt"})
	require.Equal(t, http.StatusOK, rec.Code)
	var got orchestrator.TrackedInstrument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.True(t, got.Active)

	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/api/instruments", addInstrumentRequest{Symbol: "DOGEUSDT"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/instruments", addInstrumentRequest{Symbol: "???"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/instruments", map[string]string{}).Code)
	inst.AssertExpectations(t)
}

func TestRemoveInstrument(t *testing.T) {
	inst := &MockInstruments{}
	inst.On("RemoveInstrument", mock.Anything, "ethusdt").Return(nil)
	inst.On("RemoveInstrument", mock.Anything, "BTCUSDT").Return(fmt.Errorf("BTCUSDT: %w: timeout", orchestrator.ErrRemovalBlocked))
	h := newTestServer(t, inst)

	rec := do(h, http.MethodDelete, "/api/instruments/ethusdt", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":"ETHUSDT"`)

	rec = do(h, http.MethodDelete, "/api/instruments/BTCUSDT", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "removal blocked")
}

func TestListAndGetInstruments(t *testing.T) {
	inst := &MockInstruments{}
	inst.On("Snapshot").Return([]orchestrator.TrackedInstrument{{Symbol: "BTCUSDT"}, {Symbol: "ETHUSDT"}})
	inst.On("Instrument", "SOLUSDT").Return(orchestrator.TrackedInstrument{}, false)
	h := newTestServer(t, inst)

	rec := do(h, http.MethodGet, "/api/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Instruments []orchestrator.TrackedInstrument `json:"instruments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Instruments, 2)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/instruments/SOLUSDT", nil).Code)
}

func TestUsageAndJournalRoutes(t *testing.T) {
	h := newTestServer(t, &MockInstruments{})

	rec := do(h, http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requests":3,"weight":11,"window_seconds":60}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/api/evaluations?symbol=eth/usdt&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"ETHUSDT"`)
	assert.Contains(t, rec.Body.String(), `"duration_ms":5`)

	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/api/events", nil).Code)
}

func TestNewServerRequiresInstruments(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}
