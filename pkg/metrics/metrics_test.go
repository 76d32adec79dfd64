package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusched/gpusched/pkg/job"
)

func TestObserveQueueDepthReflectsInGaugeFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveQueueDepth(3)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := false

	for _, mf := range mfs {
		if mf.GetName() == namespace+"_queue_depth" {
			found = true
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, 3.0, mf.Metric[0].GetGauge().GetValue())
		}
	}

	assert.True(t, found, "queue_depth metric must be registered")
}

func TestObserveAdmissionIncrementsPerGpuCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveAdmission(0, true)
	r.ObserveAdmission(0, false)
	r.ObserveAdmission(1, false)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var allowed, denied float64

	for _, mf := range mfs {
		switch mf.GetName() {
		case namespace + "_admission_allowed_total":
			for _, m := range mf.Metric {
				allowed += m.GetCounter().GetValue()
			}
		case namespace + "_admission_denied_total":
			for _, m := range mf.Metric {
				denied += m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, allowed)
	assert.Equal(t, 2.0, denied)
}

func TestObservePreemptionOnlyCountsAllowed(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObservePreemption(0, true)
	r.ObservePreemption(0, false)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0

	for _, mf := range mfs {
		if mf.GetName() == namespace+"_preemptions_total" {
			for _, m := range mf.Metric {
				total += m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, total)
}

func TestObserveGpuUtilSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveGpuUtil(2, 42.5)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := false

	for _, mf := range mfs {
		if mf.GetName() == namespace+"_gpu_util_percent" {
			found = true
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, "2", mf.Metric[0].GetLabel()[0].GetValue())
			assert.Equal(t, 42.5, mf.Metric[0].GetGauge().GetValue())
		}
	}

	assert.True(t, found, "gpu_util_percent metric must be registered")
}

func TestObserveScrapeSuccessReflectsLastSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveScrapeSuccess(true)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var value float64

	for _, mf := range mfs {
		if mf.GetName() == namespace+"_scrape_collector_success" {
			value = mf.Metric[0].GetGauge().GetValue()
		}
	}

	assert.Equal(t, 1.0, value)

	r.ObserveScrapeSuccess(false)

	mfs, err = reg.Gather()
	require.NoError(t, err)

	for _, mf := range mfs {
		if mf.GetName() == namespace+"_scrape_collector_success" {
			value = mf.Metric[0].GetGauge().GetValue()
		}
	}

	assert.Equal(t, 0.0, value)
}

func TestStatusEndpointServesJSONSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	j := job.New("j1", job.Request{Command: "echo hi"})

	status := func() ([]*job.Job, []*job.Job) {
		return []*job.Job{j}, nil
	}

	cfg := DefaultConfig()
	s := NewServer(cfg, reg, status, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, cfg.StatusPath, nil)

	s.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, "j1", snap.Queued[0].ID)
}
