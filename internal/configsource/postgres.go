// Package configsource loads Point definitions from either PostgreSQL or a
// local YAML file, and mirrors the last successfully loaded set into a
// SQLite cache so the service can boot from cache if Postgres is briefly
// unreachable. Queries are built with Masterminds/squirrel and scanned
// with jmoiron/sqlx.
package configsource

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// PostgresConfig holds the connection parameters for the points/devices
// tables.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

func (c PostgresConfig) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, sslMode)
}

// pointRow mirrors the points table's columns for sqlx scanning.
type pointRow struct {
	Name           string `db:"name"`
	Host           string `db:"host"`
	Port           int    `db:"port"`
	UnitID         int    `db:"unit_id"`
	Address        int    `db:"address"`
	DataType       string `db:"data_type"`
	PollIntervalMs int64  `db:"poll_interval_ms"`
	Measurement    string `db:"measurement"`
	Enabled        bool   `db:"enabled"`
}

// PostgresSource loads Points from a PostgreSQL "points" table. It is
// read-only from this core's perspective; schema migration is out of scope.
type PostgresSource struct {
	db *sqlx.DB
}

// NewPostgresSource opens a pooled connection per cfg and verifies it with
// a ping.
func NewPostgresSource(cfg PostgresConfig) (*PostgresSource, error) {
	db, err := sqlx.Connect("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("configsource: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configsource: ping postgres: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

// LoadPoints queries every enabled point and converts it to the domain
// model. Rows with an unrecognized data_type are skipped silently; they
// are neither logged nor reported to the caller.
func (s *PostgresSource) LoadPoints(ctx context.Context) ([]domain.Point, error) {
	query, args, err := sq.Select("name", "host", "port", "unit_id", "address", "data_type", "poll_interval_ms", "measurement", "enabled").
		From("points").
		Where(sq.Eq{"enabled": true}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("configsource: build query: %w", err)
	}

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("configsource: query points: %w", err)
	}

	points := make([]domain.Point, 0, len(rows))
	for _, r := range rows {
		dt, ok := dataTypeFromString(r.DataType)
		if !ok {
			continue
		}
		points = append(points, domain.Point{
			Name:           r.Name,
			Host:           r.Host,
			Port:           r.Port,
			UnitID:         uint8(r.UnitID),
			Address:        uint16(r.Address),
			DataType:       dt,
			PollIntervalMs: r.PollIntervalMs,
			Measurement:    r.Measurement,
			Enabled:        r.Enabled,
		})
	}
	return points, nil
}

func (s *PostgresSource) Close() error { return s.db.Close() }

func dataTypeFromString(s string) (domain.DataType, bool) {
	switch s {
	case "reg16":
		return domain.Reg16, true
	case "input_reg16":
		return domain.InputReg16, true
	case "coil":
		return domain.Coil, true
	case "discrete_input":
		return domain.DiscreteInput, true
	case "float32":
		return domain.Float32, true
	case "double64":
		return domain.Double64, true
	case "int32":
		return domain.Int32, true
	case "int64":
		return domain.Int64, true
	case "bool":
		return domain.Bool, true
	default:
		return domain.Reg16, false
	}
}
