package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cement-qc/cement-qc/qc"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

// newTestServer builds a server over a loop that has been running long
// enough to hold samples.
func newTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	cfg := qc.DefaultConfig()
	cfg.TickPeriod = 10 * time.Millisecond

	eval := qc.NewEvaluator(cfg.Targets)
	rng := qc.NewPartitionedRNG(cfg.Seed)
	plant := qc.NewPlant(cfg, eval, rng.ForSubsystem(qc.SubsystemPlant))
	detector := qc.NewDriftDetector(cfg.Window, cfg.Targets)
	store := qc.NewMemoryStore(1000, 1000)
	advisor := &qc.HeuristicAdvisor{Limits: cfg.Limits}
	loop := qc.NewControlLoop(cfg, plant, detector, eval, store, advisor)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	return New(loop), cancel
}

func waitForSamples(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/state/current", nil))
		if rec.Code == http.StatusOK {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no samples produced within deadline")
}

func TestHealthEndpoint(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
}

func TestCurrentState_AfterWarmup(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()
	waitForSamples(t, s)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/state/current", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var sample qc.Sample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sample))
	assert.NotZero(t, sample.LSF)
}

func TestProposeEndpoint_NotEnoughDataYet(t *testing.T) {
	// A freshly started loop has no warm window
	s, cancel := newTestServer(t)
	cancel() // stop ticking immediately

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/plan/propose", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConfigGetAndPatch(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view ConfigView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.InDelta(t, 98.0, view.Targets.LSFMin, 1e-9)
	assert.InDelta(t, 100.0, view.Knobs.RawMixSum(), qc.MassBalanceEps)

	patch := `{"limits":{"ramp_limit_pct":0.2,"sep_ramp_limit":1.0,"gypsum_ramp_limit":0.1}}`
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("PATCH", "/config", bytes.NewBufferString(patch))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.InDelta(t, 0.2, view.Limits.RampLimitPct, 1e-9)
}

func TestDisturbEndpoint(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()

	body := `{"type":"siO2_spike","magnitude":2.0,"duration_s":5}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/disturb", bytes.NewBufferString(body)))

	assert.Equal(t, http.StatusOK, rec.Code)

	// the injection shows up in the audit trail
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/audit?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var audits []qc.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audits))
	require.NotEmpty(t, audits)
	assert.Equal(t, qc.AuditDisturbance, audits[0].Kind)
}

func TestDisturbEndpoint_UnknownKind(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/disturb", bytes.NewBufferString(`{"type":"earthquake"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimulateEndpoint(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()
	waitForSamples(t, s)

	plan := `{"issue":"test","actions":[{"knob":"sand_pct","delta_pct":5.0,"reason":"push"}]}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/plan/simulate", bytes.NewBufferString(plan)))

	require.Equal(t, http.StatusOK, rec.Code)
	var result qc.PlanResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.AdjustedActions, 2) // clamped sand + synthesized clay
	assert.NotEmpty(t, result.SafetyNotes)
	assert.Contains(t, result.SimulatedAfter, "LSF_est")
}

func TestSimulateEndpoint_BadJSON(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/plan/simulate", bytes.NewBufferString("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyEndpoint(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()
	waitForSamples(t, s)

	plan := `{"issue":"test","actions":[{"knob":"gypsum_pct","delta_pct":0.1,"reason":"nudge"}]}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/plan/apply", bytes.NewBufferString(plan)))

	require.Equal(t, http.StatusOK, rec.Code)
	var result qc.PlanResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotNil(t, result.SimulatedAfter)
}

func TestMetricsEndpoint(t *testing.T) {
	s, cancel := newTestServer(t)
	defer cancel()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
