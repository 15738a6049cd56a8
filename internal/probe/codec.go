package probe

import (
	"fmt"
	"time"

	"NetAnomaly/internal/model"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Packet events and anomalies travel over NATS as google.protobuf.Struct
// messages in protobuf binary encoding.

// MarshalPacketEvent encodes ev for the packet subject.
func MarshalPacketEvent(ev model.PacketEvent) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"ts":       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"src_addr": ev.SrcAddr,
		"dst_addr": ev.DstAddr,
		"src_port": ev.SrcPort,
		"dst_port": ev.DstPort,
		"protocol": ev.Protocol,
		"length":   ev.Length,
		"fin":      ev.FIN,
		"rst":      ev.RST,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// UnmarshalPacketEvent decodes a packet subject message. Missing fields are
// left empty for the flow table to reject.
func UnmarshalPacketEvent(data []byte) (model.PacketEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return model.PacketEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedPacket, err)
	}
	f := s.GetFields()
	ts, err := time.Parse(time.RFC3339Nano, f["ts"].GetStringValue())
	if err != nil {
		return model.PacketEvent{}, fmt.Errorf("%w: bad timestamp: %v", model.ErrMalformedPacket, err)
	}
	return model.PacketEvent{
		Timestamp: ts,
		SrcAddr:   f["src_addr"].GetStringValue(),
		DstAddr:   f["dst_addr"].GetStringValue(),
		SrcPort:   int(f["src_port"].GetNumberValue()),
		DstPort:   int(f["dst_port"].GetNumberValue()),
		Protocol:  f["protocol"].GetStringValue(),
		Length:    int(f["length"].GetNumberValue()),
		FIN:       f["fin"].GetBoolValue(),
		RST:       f["rst"].GetBoolValue(),
	}, nil
}

// MarshalAnomaly encodes a for the anomaly subject.
func MarshalAnomaly(a model.Anomaly) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"id":               a.ID,
		"detected_at":      a.DetectedAt.UTC().Format(time.RFC3339Nano),
		"flow":             a.Flow,
		"src_addr":         a.SrcAddr,
		"dst_addr":         a.DstAddr,
		"src_port":         uint32(a.SrcPort),
		"dst_port":         uint32(a.DstPort),
		"protocol":         a.Protocol,
		"bytes_sent":       float64(a.BytesSent),
		"bytes_received":   float64(a.BytesReceived),
		"packets_sent":     float64(a.PacketsSent),
		"packets_received": float64(a.PacketsReceived),
		"duration_seconds": a.DurationSeconds,
		"seq":              float64(a.Seq),
		"score":            a.Score,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// UnmarshalAnomaly decodes an anomaly subject message.
func UnmarshalAnomaly(data []byte) (model.Anomaly, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return model.Anomaly{}, fmt.Errorf("failed to decode anomaly: %w", err)
	}
	f := s.GetFields()
	at, err := time.Parse(time.RFC3339Nano, f["detected_at"].GetStringValue())
	if err != nil {
		return model.Anomaly{}, fmt.Errorf("failed to decode anomaly timestamp: %w", err)
	}
	return model.Anomaly{
		ID:              f["id"].GetStringValue(),
		DetectedAt:      at,
		Flow:            f["flow"].GetStringValue(),
		SrcAddr:         f["src_addr"].GetStringValue(),
		DstAddr:         f["dst_addr"].GetStringValue(),
		SrcPort:         uint16(f["src_port"].GetNumberValue()),
		DstPort:         uint16(f["dst_port"].GetNumberValue()),
		Protocol:        f["protocol"].GetStringValue(),
		BytesSent:       uint64(f["bytes_sent"].GetNumberValue()),
		BytesReceived:   uint64(f["bytes_received"].GetNumberValue()),
		PacketsSent:     uint64(f["packets_sent"].GetNumberValue()),
		PacketsReceived: uint64(f["packets_received"].GetNumberValue()),
		DurationSeconds: f["duration_seconds"].GetNumberValue(),
		Seq:             uint64(f["seq"].GetNumberValue()),
		Score:           f["score"].GetNumberValue(),
	}, nil
}
