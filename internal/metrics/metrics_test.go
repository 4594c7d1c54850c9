package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("a")
	IncStart("a")
	IncStop("a")
	IncSpawnFailure("a")
	IncDiscoveryAttempt("a")
	IncLogTruncation("a")
	ObserveInspect("a", 0.25)
	RecordStateTransition("a", "stopped", "starting")
	SetCurrentState("a", "starting")
	SetResources("a", 1024, 1.5)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"epithetd_broker_starts_total":             false,
		"epithetd_broker_stops_total":              false,
		"epithetd_broker_spawn_failures_total":     false,
		"epithetd_broker_discovery_attempts_total": false,
		"epithetd_broker_log_truncations_total":    false,
		"epithetd_broker_inspect_duration_seconds": false,
		"epithetd_broker_state_transitions_total":  false,
		"epithetd_broker_current_state":            false,
		"epithetd_broker_resident_memory_bytes":    false,
		"epithetd_broker_cpu_percent":              false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected metric %s", n)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(brokerStarts.WithLabelValues("a")))
}

func TestCurrentStateIsExclusive(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.NewRegistry()))
	before := testutil.CollectAndCount(currentStates)

	SetCurrentState("b", "starting")
	SetCurrentState("b", "running")
	assert.Equal(t, before+len(States), testutil.CollectAndCount(currentStates))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("b", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("b", "starting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("b", "error")))

	Forget("b")
	assert.Equal(t, before, testutil.CollectAndCount(currentStates))
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "epithetd_broker_starts_total"))
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncStop("c")
			SetCurrentState("c", "running")
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	assert.NoError(t, err)
}

func TestMetricsBeforeRegister(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	IncStart("test")
	IncStop("test")
	IncSpawnFailure("test")
	IncDiscoveryAttempt("test")
	IncLogTruncation("test")
	ObserveInspect("test", 1.0)
	RecordStateTransition("test", "starting", "running")
	SetCurrentState("test", "running")
	SetResources("test", 1, 1)
	Forget("test")
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestRegisterError(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	err := Register(errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
	assert.False(t, regOK.Load())
}
