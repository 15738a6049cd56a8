// Package api serves the detector's diagnostics over HTTP: live flows,
// pipeline counters, stored anomalies and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"NetAnomaly/internal/dispatch"
	"NetAnomaly/internal/engine/pipeline"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/query"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FlowSource provides a snapshot of the live flow table.
type FlowSource interface {
	Snapshot() []model.FlowEntry
}

// StatsSource provides the pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// AnomalyLister lists recorded anomalies.
type AnomalyLister interface {
	ListAnomalies(ctx context.Context, f query.AnomalyFilter) ([]model.Anomaly, error)
}

// SourceRanker ranks source addresses by anomaly count.
type SourceRanker interface {
	TopSources(ctx context.Context, since time.Time, limit int) ([]query.SourceSummary, error)
}

// StreamAnalyzer streams an AI write-up of an anomaly summary.
type StreamAnalyzer interface {
	AnalyzeStream(ctx context.Context, summary string, sendChunk func(string) error) error
}

// Options wires the handler dependencies. Nil optional fields disable the
// routes that need them.
type Options struct {
	Flows      FlowSource
	Stats      StatsSource
	Dispatcher *dispatch.Dispatcher
	Anomalies  AnomalyLister
	Ranker     SourceRanker
	Analyzer   StreamAnalyzer
	Gatherer   prometheus.Gatherer
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	opts Options
}

// NewRouter builds the API routes.
func NewRouter(opts Options) *mux.Router {
	h := &APIHandler{opts: opts}
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/flows", h.flowsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.statsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies", h.anomaliesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/top", h.topSourcesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/analyze", h.analyzeHandler).Methods(http.MethodPost)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type flowView struct {
	Key             string    `json:"key"`
	SrcAddr         string    `json:"src_addr"`
	DstAddr         string    `json:"dst_addr"`
	SrcPort         uint16    `json:"src_port"`
	DstPort         uint16    `json:"dst_port"`
	Protocol        string    `json:"protocol"`
	BytesSent       uint64    `json:"bytes_sent"`
	BytesReceived   uint64    `json:"bytes_received"`
	PacketsSent     uint64    `json:"packets_sent"`
	PacketsReceived uint64    `json:"packets_received"`
	StartTime       time.Time `json:"start_time"`
	LastSeenTime    time.Time `json:"last_seen_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	State           string    `json:"state"`
	Seq             uint64    `json:"seq"`
}

func newFlowView(e model.FlowEntry) flowView {
	r := e.Record
	return flowView{
		Key:             e.Key.String(),
		SrcAddr:         r.SrcAddr.String(),
		DstAddr:         r.DstAddr.String(),
		SrcPort:         r.SrcPort,
		DstPort:         r.DstPort,
		Protocol:        r.Protocol.String(),
		BytesSent:       r.BytesSent,
		BytesReceived:   r.BytesReceived,
		PacketsSent:     r.PacketsSent,
		PacketsReceived: r.PacketsReceived,
		StartTime:       r.StartTime,
		LastSeenTime:    r.LastSeenTime,
		DurationSeconds: r.Duration().Seconds(),
		State:           r.State.String(),
		Seq:             r.Seq,
	}
}

// flowsHandler lists live flows, most recently active first.
// Query parameters: protocol, limit.
func (h *APIHandler) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if h.opts.Flows == nil {
		http.Error(w, "flow table not available", http.StatusServiceUnavailable)
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var proto model.Protocol
	filterProto := r.URL.Query().Get("protocol") != ""
	if filterProto {
		if proto, err = model.ParseProtocol(strings.ToUpper(r.URL.Query().Get("protocol"))); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	entries := h.opts.Flows.Snapshot()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Record.LastSeenTime.After(entries[j].Record.LastSeenTime)
	})
	out := make([]flowView, 0, limit)
	for _, e := range entries {
		if len(out) >= limit {
			break
		}
		if filterProto && e.Key.Protocol != proto {
			continue
		}
		out = append(out, newFlowView(e))
	}
	writeJSON(w, map[string]interface{}{"total": len(entries), "flows": out})
}

func (h *APIHandler) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if h.opts.Stats != nil {
		resp["pipeline"] = h.opts.Stats.Stats()
	}
	if h.opts.Dispatcher != nil {
		resp["observers"] = h.opts.Dispatcher.Stats()
	}
	writeJSON(w, resp)
}

// anomaliesHandler lists recorded anomalies.
// Query parameters: since, until (RFC 3339), src, dst, protocol, min_score, limit.
func (h *APIHandler) anomaliesHandler(w http.ResponseWriter, r *http.Request) {
	if h.opts.Anomalies == nil {
		http.Error(w, "anomaly history not configured", http.StatusServiceUnavailable)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	anomalies, err := h.opts.Anomalies.ListAnomalies(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query anomalies: %v", err), http.StatusInternalServerError)
		return
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, map[string]interface{}{"anomalies": anomalies})
}

func (h *APIHandler) topSourcesHandler(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ranker == nil {
		http.Error(w, "anomaly store not configured", http.StatusServiceUnavailable)
		return
	}
	since, err := timeParam(r, "since")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-time.Hour)
	}
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	top, err := h.opts.Ranker.TopSources(r.Context(), since, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query sources: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"since": since, "sources": top})
}

// analyzeHandler streams an AI analysis of the anomalies matching the
// request's filter parameters.
func (h *APIHandler) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if h.opts.Analyzer == nil || h.opts.Anomalies == nil {
		http.Error(w, "AI analysis not configured", http.StatusServiceUnavailable)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	anomalies, err := h.opts.Anomalies.ListAnomalies(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query anomalies: %v", err), http.StatusInternalServerError)
		return
	}
	if len(anomalies) == 0 {
		http.Error(w, "no anomalies to analyze", http.StatusNotFound)
		return
	}

	var sb strings.Builder
	for _, a := range anomalies {
		fmt.Fprintf(&sb, "%s bytes=%d/%d packets=%d/%d duration=%.3fs score=%.6g\n",
			a.Flow, a.BytesSent, a.BytesReceived, a.PacketsSent, a.PacketsReceived, a.DurationSeconds, a.Score)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	err = h.opts.Analyzer.AnalyzeStream(r.Context(), sb.String(), func(chunk string) error {
		if _, err := w.Write([]byte(chunk)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		log.Printf("AI analysis stream failed: %v", err)
	}
}

func parseFilter(r *http.Request) (query.AnomalyFilter, error) {
	q := r.URL.Query()
	var f query.AnomalyFilter
	var err error
	if f.Since, err = timeParam(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit", query.DefaultLimit); err != nil {
		return f, err
	}
	if s := q.Get("min_score"); s != "" {
		if f.MinScore, err = strconv.ParseFloat(s, 64); err != nil {
			return f, fmt.Errorf("invalid min_score: %w", err)
		}
	}
	f.SrcAddr = q.Get("src")
	f.DstAddr = q.Get("dst")
	f.Protocol = strings.ToUpper(q.Get("protocol"))
	return f, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", name)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
