package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"NetAnomaly/internal/dispatch"
	"NetAnomaly/internal/engine/flowtable"
	"NetAnomaly/internal/engine/pipeline"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/sink"

	"github.com/prometheus/client_golang/prometheus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var t0 = time.Unix(1700000000, 0)

type fixedStats pipeline.Stats

func (f fixedStats) Stats() pipeline.Stats { return pipeline.Stats(f) }

type echoAnalyzer struct{}

func (echoAnalyzer) AnalyzeStream(_ context.Context, summary string, send func(string) error) error {
	if err := send("analysis of "); err != nil {
		return err
	}
	return send(strings.TrimSpace(summary))
}

func testTable(t *testing.T) *flowtable.Table {
	t.Helper()
	table := flowtable.New(flowtable.Options{})
	for i, ev := range []model.PacketEvent{
		{Timestamp: t0, SrcAddr: "10.0.0.1", DstAddr: "10.0.0.2", SrcPort: 1000, DstPort: 80, Protocol: "TCP", Length: 100},
		{Timestamp: t0.Add(time.Second), SrcAddr: "10.0.0.3", DstAddr: "8.8.8.8", SrcPort: 5353, DstPort: 53, Protocol: "UDP", Length: 60},
	} {
		if _, _, _, ok := table.Apply(ev); !ok {
			t.Fatalf("packet %d not applied", i)
		}
	}
	return table
}

func anomalyUpdate(src string, score float64) model.Update {
	key := model.FlowKey{
		SrcAddr: netip.MustParseAddr(src), DstAddr: netip.MustParseAddr("10.0.0.1"),
		SrcPort: 4444, DstPort: 22, Protocol: model.ProtocolTCP,
	}
	return model.Update{
		Key: key,
		Record: model.FlowRecord{
			SrcAddr: key.SrcAddr, DstAddr: key.DstAddr, SrcPort: key.SrcPort, DstPort: key.DstPort,
			Protocol: key.Protocol, PacketsSent: 1, StartTime: t0, LastSeenTime: t0, Seq: 1,
		},
		Score:   score,
		Verdict: model.VerdictAnomalous,
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	recent := sink.NewRecent(16)
	assert.NilError(t, recent.Notify(context.Background(), anomalyUpdate("10.9.9.9", 0.2)))
	assert.NilError(t, recent.Notify(context.Background(), anomalyUpdate("10.8.8.8", 0.7)))

	d := dispatch.New(dispatch.Options{})
	t.Cleanup(d.Close)
	d.Register(recent)

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "netanomaly_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	return NewRouter(Options{
		Flows:      testTable(t),
		Stats:      fixedStats{Flows: 2, Received: 2},
		Dispatcher: d,
		Anomalies:  RecentLister{Recent: recent},
		Analyzer:   echoAnalyzer{},
		Gatherer:   reg,
	})
}

func get(t *testing.T, h http.Handler, method, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, url, nil))
	return rec
}

func TestFlowsHandler(t *testing.T) {
	h := newTestRouter(t)

	rec := get(t, h, http.MethodGet, "/api/v1/flows")
	assert.Equal(t, rec.Code, http.StatusOK)
	var resp struct {
		Total int        `json:"total"`
		Flows []flowView `json:"flows"`
	}
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resp.Total, 2)
	assert.Equal(t, len(resp.Flows), 2)
	// Most recently active first.
	assert.Equal(t, resp.Flows[0].Protocol, "UDP")
	assert.Equal(t, resp.Flows[1].Key, "10.0.0.1:1000->10.0.0.2:80/TCP")
	assert.Equal(t, resp.Flows[1].State, "ACTIVE")

	rec = get(t, h, http.MethodGet, "/api/v1/flows?protocol=tcp&limit=5")
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Flows), 1)
	assert.Equal(t, resp.Flows[0].DstPort, uint16(80))

	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/flows?limit=-1").Code, http.StatusBadRequest)
	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/flows?protocol=sctp").Code, http.StatusBadRequest)
}

func TestStatsHandler(t *testing.T) {
	rec := get(t, newTestRouter(t), http.MethodGet, "/api/v1/stats")
	assert.Equal(t, rec.Code, http.StatusOK)
	var resp struct {
		Pipeline  pipeline.Stats           `json:"pipeline"`
		Observers []dispatch.ObserverStats `json:"observers"`
	}
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resp.Pipeline.Flows, 2)
	assert.Equal(t, len(resp.Observers), 1)
	assert.Equal(t, resp.Observers[0].Name, "recent")
}

func TestAnomaliesHandler(t *testing.T) {
	h := newTestRouter(t)

	rec := get(t, h, http.MethodGet, "/api/v1/anomalies")
	assert.Equal(t, rec.Code, http.StatusOK)
	var resp struct {
		Anomalies []model.Anomaly `json:"anomalies"`
	}
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Anomalies), 2)
	assert.Equal(t, resp.Anomalies[0].SrcAddr, "10.8.8.8")

	rec = get(t, h, http.MethodGet, "/api/v1/anomalies?min_score=0.5&protocol=tcp")
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Anomalies), 1)
	assert.Equal(t, resp.Anomalies[0].Score, 0.7)

	rec = get(t, h, http.MethodGet, "/api/v1/anomalies?src=192.0.2.1")
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Anomalies), 0)

	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/anomalies?since=yesterday").Code, http.StatusBadRequest)
	// No store configured.
	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/anomalies/top").Code, http.StatusServiceUnavailable)
}

func TestAnalyzeHandlerStreams(t *testing.T) {
	h := newTestRouter(t)

	rec := get(t, h, http.MethodPost, "/api/v1/anomalies/analyze?src=10.9.9.9")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Check(t, is.Contains(rec.Body.String(), "analysis of 10.9.9.9:4444->10.0.0.1:22/TCP"))

	assert.Equal(t, get(t, h, http.MethodPost, "/api/v1/anomalies/analyze?src=192.0.2.1").Code, http.StatusNotFound)
	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/anomalies/analyze").Code, http.StatusMethodNotAllowed)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestRouter(t), http.MethodGet, "/metrics")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Check(t, is.Contains(rec.Body.String(), "netanomaly_test_total 1"))
}

func TestDisabledRoutes(t *testing.T) {
	h := NewRouter(Options{})
	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/flows").Code, http.StatusServiceUnavailable)
	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/anomalies").Code, http.StatusServiceUnavailable)
	assert.Equal(t, get(t, h, http.MethodGet, "/metrics").Code, http.StatusNotFound)
	assert.Equal(t, get(t, h, http.MethodGet, "/api/v1/stats").Code, http.StatusOK)
}
