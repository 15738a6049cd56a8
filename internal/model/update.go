package model

import (
	"fmt"
	"math"
)

// FeatureCount is the width of the feature vector.
const FeatureCount = 10

// FeatureNames lists the vector components in order.
var FeatureNames = [FeatureCount]string{
	"src_addr", "dst_addr", "src_port", "dst_port", "protocol",
	"bytes_sent", "bytes_received", "packets_sent", "packets_received", "duration",
}

// Vector is the fixed-order numeric feature vector of a flow.
// It is an array, so passing it anywhere hands over a copy.
type Vector [FeatureCount]float64

// Verdict is the outcome of the anomaly decision rule.
type Verdict int8

const (
	VerdictUnknown Verdict = iota
	VerdictNormal
	VerdictAnomalous
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictAnomalous:
		return "anomalous"
	default:
		return "unknown"
	}
}

// Update is what observers receive for every applied packet.
type Update struct {
	Key      FlowKey
	Record   FlowRecord
	IsNew    bool
	Features Vector
	Score    float64
	Verdict  Verdict
	// ScoreErr is set when scoring failed; Score is NaN and Verdict unknown.
	ScoreErr error
}

// IsAnomaly reports whether the decision rule flagged the update.
func (u Update) IsAnomaly() bool {
	return u.Verdict == VerdictAnomalous
}

func (u Update) String() string {
	score := "NaN"
	if !math.IsNaN(u.Score) {
		score = fmt.Sprintf("%.6g", u.Score)
	}
	return fmt.Sprintf("%s seq=%d verdict=%s score=%s", u.Key, u.Record.Seq, u.Verdict, score)
}
