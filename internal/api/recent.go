package api

import (
	"context"

	"NetAnomaly/internal/model"
	"NetAnomaly/internal/query"
	"NetAnomaly/internal/sink"
)

// RecentLister serves anomaly listings from the in-memory ring when no
// anomaly store is configured.
type RecentLister struct {
	Recent *sink.Recent
}

// ListAnomalies implements AnomalyLister. The filter is applied in memory.
func (l RecentLister) ListAnomalies(_ context.Context, f query.AnomalyFilter) ([]model.Anomaly, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = query.DefaultLimit
	}
	var out []model.Anomaly
	for _, a := range l.Recent.List(0) {
		if len(out) >= limit {
			break
		}
		if matches(a, f) {
			out = append(out, a)
		}
	}
	return out, nil
}

func matches(a model.Anomaly, f query.AnomalyFilter) bool {
	switch {
	case !f.Since.IsZero() && a.DetectedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && a.DetectedAt.After(f.Until):
		return false
	case f.SrcAddr != "" && a.SrcAddr != f.SrcAddr:
		return false
	case f.DstAddr != "" && a.DstAddr != f.DstAddr:
		return false
	case f.Protocol != "" && a.Protocol != f.Protocol:
		return false
	case a.Score < f.MinScore:
		return false
	}
	return true
}
