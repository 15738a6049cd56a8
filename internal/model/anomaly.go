package model

import (
	"time"

	"github.com/google/uuid"
)

// Anomaly is the flat record of a flagged update as it is published, stored
// and reported.
type Anomaly struct {
	ID              string    `json:"id"`
	DetectedAt      time.Time `json:"detected_at"`
	Flow            string    `json:"flow"`
	SrcAddr         string    `json:"src_addr"`
	DstAddr         string    `json:"dst_addr"`
	SrcPort         uint16    `json:"src_port"`
	DstPort         uint16    `json:"dst_port"`
	Protocol        string    `json:"protocol"`
	BytesSent       uint64    `json:"bytes_sent"`
	BytesReceived   uint64    `json:"bytes_received"`
	PacketsSent     uint64    `json:"packets_sent"`
	PacketsReceived uint64    `json:"packets_received"`
	DurationSeconds float64   `json:"duration_seconds"`
	Seq             uint64    `json:"seq"`
	Score           float64   `json:"score"`
}

// NewAnomaly flattens u under a fresh ID.
func NewAnomaly(u Update, detectedAt time.Time) Anomaly {
	r := u.Record
	return Anomaly{
		ID:              uuid.NewString(),
		DetectedAt:      detectedAt,
		Flow:            u.Key.String(),
		SrcAddr:         r.SrcAddr.String(),
		DstAddr:         r.DstAddr.String(),
		SrcPort:         r.SrcPort,
		DstPort:         r.DstPort,
		Protocol:        r.Protocol.String(),
		BytesSent:       r.BytesSent,
		BytesReceived:   r.BytesReceived,
		PacketsSent:     r.PacketsSent,
		PacketsReceived: r.PacketsReceived,
		DurationSeconds: r.Duration().Seconds(),
		Seq:             r.Seq,
		Score:           u.Score,
	}
}
