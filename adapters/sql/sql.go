// Package sql reads record batches through database/sql.
package sql

import (
	"context"
	sqldb "database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

// Config holds SQL source configuration.
type Config struct {
	Driver        string            `json:"driver" yaml:"driver"`
	DSN           string            `json:"dsn" yaml:"dsn"`
	Query         string            `json:"query" yaml:"query"`
	Table         string            `json:"table" yaml:"table"`
	Timeout       time.Duration     `json:"timeout" yaml:"timeout"`
	MaxOpenConns  int               `json:"max_open_conns" yaml:"max_open_conns"`
	ColumnMapping map[string]string `json:"column_mapping" yaml:"column_mapping"`
}

// Source implements runtime.RecordSource over any database/sql driver.
// Every fetch runs the configured query and returns the full result.
type Source struct {
	config *Config
	db     *sqldb.DB
}

var _ runtime.RecordSource = (*Source)(nil)

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if config.Driver == "" {
		return fmt.Errorf("driver is required")
	}
	if config.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if config.Query == "" && config.Table == "" {
		return fmt.Errorf("query or table is required")
	}
	return nil
}

// NewSource opens the database and checks the connection.
func NewSource(ctx context.Context, config *Config) (*Source, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	db, err := sqldb.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctxPing); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSourceFromDB(db, config), nil
}

// NewSourceFromDB wraps an open database. The source takes ownership of db.
func NewSourceFromDB(db *sqldb.DB, config *Config) *Source {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Source{config: config, db: db}
}

// SourceType names the source in errors and logs.
func (s *Source) SourceType() string { return "sql/" + s.config.Driver }

// Close closes the database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Ping checks DB connectivity.
func (s *Source) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// FetchRecords runs the query and converts every row.
func (s *Source) FetchRecords(ctx context.Context) ([]record.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.buildQuery())
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	records := make([]record.Record, 0)
	for rows.Next() {
		row, err := scanRow(columns, rows, s.config.ColumnMapping)
		if err != nil {
			return nil, err
		}
		rec, err := adapters.RecordFromMap(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return records, nil
}

func (s *Source) buildQuery() string {
	if s.config.Query != "" {
		return s.config.Query
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY id", s.config.Table)
}

func scanRow(columns []string, rows *sqldb.Rows, mapping map[string]string) (map[string]interface{}, error) {
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		key := col
		if mapped, ok := mapping[col]; ok {
			key = mapped
		}
		row[key] = values[i]
	}
	return row, nil
}

// Factory for SQL sources.
type Factory struct{}

func decodeConfig(config adapters.SourceConfig) (*Config, error) {
	cfg := &Config{}
	if err := adapters.DecodeOptions(config.Options, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Factory) Create(ctx context.Context, config adapters.SourceConfig) (runtime.RecordSource, error) {
	cfg, err := decodeConfig(config)
	if err != nil {
		return nil, err
	}
	return NewSource(ctx, cfg)
}

func (f *Factory) ValidateConfig(config adapters.SourceConfig) error {
	cfg, err := decodeConfig(config)
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}

func init() {
	adapters.RegisterSourceType("sql", &Factory{})
}
