package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync_RegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSync(reg)

	m.ObserveFrame(3 * time.Millisecond)
	m.Subscribe("ok")
	m.Subscribe("denied")
	m.Subscribe("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Frames))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscribeRequests.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "posesync_frames_total 1"))
}

func TestSync_NilIsNoop(t *testing.T) {
	var m *Sync
	m.ObserveFrame(time.Second)
	m.Subscribe("ok")
}
