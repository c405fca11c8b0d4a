// Package sink formats decoded Samples as line-protocol text via
// github.com/influxdata/line-protocol/v2 and writes one UTF-8 datagram per
// record to a Unix datagram socket. Writes are best-effort: a send failure
// is returned to the caller to log, never retried here — the sink never
// blocks acquisition.
package sink

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"time"

	lineprotocol "github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// DefaultSocketPath is the conventional Telegraf UDS listener path this
// core targets by default.
const DefaultSocketPath = "/tmp/telegraf.sock"

// UDSSink writes line-protocol datagrams to an AF_UNIX/SOCK_DGRAM socket.
// No socket state is shared across sends: every Write dials a fresh
// datagram socket and closes it once the send completes.
type UDSSink struct {
	path string
}

// NewUDSSink validates that path is reachable and returns a sink that
// dials it fresh on every Write. The socket is expected to already exist
// (created by the telemetry collector); this core never creates or binds
// it.
func NewUDSSink(path string) (*UDSSink, error) {
	conn, err := net.Dial("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", path, err)
	}
	conn.Close()
	return &UDSSink{path: path}, nil
}

// Write encodes sample as a single line-protocol record and sends it as one
// datagram over a socket dialed just for this call. The measurement name
// defaults to the sample's point name when Sample.Measurement is empty.
func (s *UDSSink) Write(ctx context.Context, sample domain.Sample) error {
	line, err := encodeLine(sample)
	if err != nil {
		return fmt.Errorf("sink: encode %s: %w", sample.PointName, err)
	}

	conn, err := net.Dial("unixgram", s.path)
	if err != nil {
		return fmt.Errorf("sink: dial %s: %w", s.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("sink: write datagram: %w", err)
	}
	return nil
}

// Close is a no-op: UDSSink holds no persistent socket to release.
func (s *UDSSink) Close() error { return nil }

func encodeLine(sample domain.Sample) ([]byte, error) {
	measurement := sample.Measurement
	if measurement == "" {
		measurement = sample.PointName
	}

	// The v2 encoder requires tags in lexical key order, so the implicit
	// point tag is merged with the sample's own tags before sorting.
	tags := make(map[string]string, len(sample.Tags)+1)
	for k, v := range sample.Tags {
		tags[k] = v
	}
	tags["point"] = sample.PointName
	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Millisecond)
	enc.StartLine(measurement)
	for _, k := range tagKeys {
		enc.AddTag(k, tags[k])
	}

	val, ok := lineProtocolValue(sample.Value)
	if !ok {
		return nil, fmt.Errorf("value %v not representable in line protocol", sample.Value.Float64())
	}
	enc.AddField("value", val)

	ts := time.UnixMilli(sample.TimestampMs)
	enc.EndLine(ts)

	if err := enc.Err(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// lineProtocolValue converts a decoded Value into its line-protocol
// representation. ok is false for floats line protocol cannot carry
// (NaN and the infinities) — those samples are diagnostic-flagged upstream
// and dropped here rather than corrupting the stream.
func lineProtocolValue(v domain.Value) (lineprotocol.Value, bool) {
	switch v.Kind {
	case domain.ValueU16:
		return lineprotocol.UintValue(uint64(v.U16())), true
	case domain.ValueI32:
		return lineprotocol.IntValue(int64(v.I32())), true
	case domain.ValueI64:
		return lineprotocol.IntValue(v.I64()), true
	case domain.ValueF32:
		return floatLineValue(float64(v.F32()))
	case domain.ValueF64:
		return floatLineValue(v.F64())
	case domain.ValueBool:
		return lineprotocol.BoolValue(v.Bool()), true
	default:
		return floatLineValue(v.Float64())
	}
}

func floatLineValue(f float64) (lineprotocol.Value, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return lineprotocol.Value{}, false
	}
	return lineprotocol.FloatValue(f)
}
