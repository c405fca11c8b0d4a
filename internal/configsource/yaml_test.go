package configsource_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/configsource"
	"github.com/edgeflow/scada-acquisition/internal/domain"
)

const sampleYAML = `
points:
  - name: temp1
    host: 10.0.0.5
    port: 502
    unit_id: 1
    address: 100
    data_type: float32
    poll_interval_ms: 1000
    measurement: temperature
  - name: disabled_point
    host: 10.0.0.5
    port: 502
    unit_id: 1
    address: 200
    data_type: reg16
    poll_interval_ms: 1000
    enabled: false
  - name: unknown_type
    host: 10.0.0.5
    port: 502
    unit_id: 1
    address: 300
    data_type: not_a_real_type
    poll_interval_ms: 1000
`

func TestYAMLSource_LoadPoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "points.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	src := configsource.NewYAMLSource(path)
	points, err := src.LoadPoints(context.Background())
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, "temp1", points[0].Name)
	assert.Equal(t, domain.Float32, points[0].DataType)
	assert.False(t, points[1].Enabled)
}

func TestYAMLSource_MissingFile(t *testing.T) {
	src := configsource.NewYAMLSource("/nonexistent/path.yaml")
	_, err := src.LoadPoints(context.Background())
	assert.Error(t, err)
}
