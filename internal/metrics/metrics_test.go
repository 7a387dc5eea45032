package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCountsRemoteCalls(t *testing.T) {
	r := New()
	r.ObserveRemoteCall("get", time.Now(), nil)
	r.ObserveRemoteCall("get", time.Now(), errors.New("boom"))
	r.ObserveRemoteCall("append", time.Now(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.remoteCalls.WithLabelValues("get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.remoteCalls.WithLabelValues("get", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.remoteCalls.WithLabelValues("append", "ok")))
}

func TestRegistryIgnoresNonPositiveDedupCounts(t *testing.T) {
	r := New()
	r.DedupRemoved("MapCategories", 0)
	r.DedupRemoved("MapCategories", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.dedupRemoved.WithLabelValues("MapCategories")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.ObserveRemoteCall("get", time.Now(), nil)
	r.PollTick("changed")
	r.PollSourceError("MapOptions")
	r.DedupRemoved("MapOptions", 2)
	r.MappingCreated("category")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	r := New()
	r.MappingCreated("option")
	r.PollTick("unchanged")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `taxomap_mappings_created_total{kind="option"} 1`))
	assert.True(t, strings.Contains(text, `taxomap_poll_ticks_total{result="unchanged"} 1`))
}
