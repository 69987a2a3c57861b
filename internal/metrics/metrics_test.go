package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// value returns the value of the counter or gauge with the given labels.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matches(metric, labels) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func matches(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range metric.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestNewRegistersIndependently(t *testing.T) {
	a := New()
	b := New()
	a.SessionsActive.Set(3)
	assert.Equal(t, 3.0, value(t, a, "sshdeck_sessions_active", nil))
	assert.Equal(t, 0.0, value(t, b, "sshdeck_sessions_active", nil))
}

func TestRecordTreeOp(t *testing.T) {
	m := New()
	m.RecordTreeOp("save_profile", nil)
	m.RecordTreeOp("save_profile", nil)
	m.RecordTreeOp("save_profile", errors.New("boom"))

	assert.Equal(t, 2.0, value(t, m, "sshdeck_tree_operations_total", map[string]string{"op": "save_profile", "result": "ok"}))
	assert.Equal(t, 1.0, value(t, m, "sshdeck_tree_operations_total", map[string]string{"op": "save_profile", "result": "error"}))
}

func TestRecordConnectRejected(t *testing.T) {
	m := New()
	m.RecordConnectRejected(sshterminal.ErrDuplicateID)
	m.RecordConnectRejected(sshterminal.ErrInvalidConfig)
	assert.Equal(t, 1.0, value(t, m, "sshdeck_session_connects_total", map[string]string{"result": "duplicate"}))
	assert.Equal(t, 1.0, value(t, m, "sshdeck_session_connects_total", map[string]string{"result": "rejected"}))
}

func TestRecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/api/v1/profiles", 200, 15*time.Millisecond)
	assert.Equal(t, 1.0, value(t, m, "sshdeck_http_requests_total",
		map[string]string{"method": "GET", "route": "/api/v1/profiles", "status": "200"}))
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.SessionsActive.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "sshdeck_sessions_active 2"), "body missing gauge")
}

func TestObserveCountsFailedConnect(t *testing.T) {
	m := New()
	mgr := sshterminal.NewManager(nil, sshterminal.DefaultOptions(), zap.NewNop())
	m.Observe(mgr)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	err = mgr.Connect(context.Background(), "x", sshterminal.Config{Host: "127.0.0.1", Port: port, Username: "u", Password: "p"})
	require.Error(t, err)
	assert.Equal(t, 1.0, value(t, m, "sshdeck_session_connects_total", map[string]string{"result": "failed"}))
	assert.Equal(t, 0.0, value(t, m, "sshdeck_sessions_active", nil))
}
