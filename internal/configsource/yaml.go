package configsource

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// yamlPoint is the on-disk shape of one point entry.
type yamlPoint struct {
	Name           string            `yaml:"name"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	UnitID         uint8             `yaml:"unit_id"`
	Address        uint16            `yaml:"address"`
	DataType       string            `yaml:"data_type"`
	PollIntervalMs int64             `yaml:"poll_interval_ms"`
	Measurement    string            `yaml:"measurement"`
	Tags           map[string]string `yaml:"tags"`
	Enabled        *bool             `yaml:"enabled"`
}

type yamlDocument struct {
	Points []yamlPoint `yaml:"points"`
}

// YAMLSource loads Points from a local YAML file, used for development and
// tests in place of a PostgreSQL deployment.
type YAMLSource struct {
	path string
}

// NewYAMLSource builds a YAMLSource reading from path.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

// LoadPoints re-reads the file on every call so editing it during
// development takes effect without a restart.
func (s *YAMLSource) LoadPoints(ctx context.Context) ([]domain.Point, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("configsource: read %s: %w", s.path, err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("configsource: parse %s: %w", s.path, err)
	}

	points := make([]domain.Point, 0, len(doc.Points))
	for _, yp := range doc.Points {
		dt, ok := dataTypeFromString(yp.DataType)
		if !ok {
			continue
		}
		enabled := true
		if yp.Enabled != nil {
			enabled = *yp.Enabled
		}
		points = append(points, domain.Point{
			Name:           yp.Name,
			Host:           yp.Host,
			Port:           yp.Port,
			UnitID:         yp.UnitID,
			Address:        yp.Address,
			DataType:       dt,
			PollIntervalMs: yp.PollIntervalMs,
			Measurement:    yp.Measurement,
			Tags:           yp.Tags,
			Enabled:        enabled,
		})
	}
	return points, nil
}
