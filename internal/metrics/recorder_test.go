package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func find(t *testing.T, r *Recorder, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func matches(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestRecorder_Observers(t *testing.T) {
	r := New()

	r.ObserveTurn("answered", 2)
	r.ObserveInference("success", 300*time.Millisecond)
	r.ObserveToolCall("search_emails", false, 50*time.Millisecond)
	r.ObserveToolCall("search_emails", true, 10*time.Millisecond)
	r.ObserveCall("messages.list", "success", time.Second)
	r.ObserveRetry("messages.list", "transient_server")
	r.ObserveRetry("messages.list", "transient_server")
	r.ObserveRateLimit("rejected")
	r.ObserveCredentialRefresh("failed")

	assert.Equal(t, 1.0, find(t, r, "mailagent_chat_turns_total", map[string]string{"outcome": "answered"}).GetCounter().GetValue())
	assert.Equal(t, uint64(1), find(t, r, "mailagent_chat_turn_steps", nil).GetHistogram().GetSampleCount())
	assert.Equal(t, 1.0, find(t, r, "mailagent_tool_calls_total", map[string]string{"tool": "search_emails", "status": "error"}).GetCounter().GetValue())
	assert.Equal(t, 2.0, find(t, r, "mailagent_mail_retries_total", map[string]string{"kind": "transient_server"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, r, "mailagent_rate_limit_decisions_total", map[string]string{"outcome": "rejected"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, r, "mailagent_credential_refresh_total", map[string]string{"outcome": "failed"}).GetCounter().GetValue())
}

func TestRecorder_MiddlewareAndHandler(t *testing.T) {
	r := New()
	h := r.Middleware("/v1/chat", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	m := find(t, r, "mailagent_http_requests_total", map[string]string{"route": "/v1/chat", "method": "POST", "code": "418"})
	assert.Equal(t, 1.0, m.GetCounter().GetValue())

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mailagent_uptime_seconds")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveRateLimit("allowed")
	assert.Equal(t, 1.0, find(t, a, "mailagent_rate_limit_decisions_total", nil).GetCounter().GetValue())

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "mailagent_rate_limit_decisions_total", mf.GetName())
	}
}
