package sink_test

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/sink"
)

func TestUDSSink_WritesLineProtocolDatagram(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "telegraf.sock")

	ln, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	require.NoError(t, err)
	defer ln.Close()

	s, err := sink.NewUDSSink(socketPath)
	require.NoError(t, err)
	defer s.Close()

	sample := domain.Sample{
		PointName:   "temp1",
		Value:       domain.NewF32(42.5),
		TimestampMs: time.Now().UnixMilli(),
		Measurement: "temperature",
		Tags:        map[string]string{"unit": "celsius"},
		Valid:       true,
	}
	require.NoError(t, s.Write(context.Background(), sample))

	buf := make([]byte, 512)
	ln.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := ln.Read(buf)
	require.NoError(t, err)

	line := string(buf[:n])
	assert.True(t, strings.HasPrefix(line, "temperature,"))
	assert.Contains(t, line, "point=temp1")
	assert.Contains(t, line, "unit=celsius")
	assert.Contains(t, line, "value=")
}
