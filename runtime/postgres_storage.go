package runtime

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/rulesift/rulesift/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// PostgresStorage implements RecordSource and RuleStore on PostgreSQL.
// Records come from the users table and rule text from the rules table.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	config *PostgresStorageConfig
}

// PostgresStorageConfig configures PostgreSQL storage.
type PostgresStorageConfig struct {
	// Database connection
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// Migration settings
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`
}

// NewPostgresStorage connects to PostgreSQL and optionally applies the
// embedded migrations.
func NewPostgresStorage(ctx context.Context, config *PostgresStorageConfig) (*PostgresStorage, error) {
	if config == nil || config.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = time.Hour
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 30 * time.Minute
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime

	if config.AutoMigrate {
		if err := Migrate(ctx, config.DSN); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{pool: pool, config: config}, nil
}

// Migrate applies the embedded goose migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	return withMigrations(dsn, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the schema version of the database at dsn.
func MigrationVersion(ctx context.Context, dsn string) (int64, error) {
	var version int64
	err := withMigrations(dsn, func(db *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func withMigrations(dsn string, fn func(*sql.DB) error) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// SourceType names the storage in errors and logs.
func (p *PostgresStorage) SourceType() string { return "postgres" }

// Close releases the connection pool.
func (p *PostgresStorage) Close() {
	p.pool.Close()
}

// Ping checks the database connection.
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// FetchRecords reads every row of the users table in id order.
func (p *PostgresStorage) FetchRecords(ctx context.Context) ([]record.Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, age, department, salary, spend, experience FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (record.Record, error) {
		var rec record.Record
		err := row.Scan(&rec.ID, &rec.Name, &rec.Age, &rec.Department, &rec.Salary, &rec.Spend, &rec.Experience)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return records, nil
}

// AddRule inserts text unless an identical rule exists.
func (p *PostgresStorage) AddRule(ctx context.Context, text string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO rules (rule) VALUES ($1) ON CONFLICT (rule) DO NOTHING`,
		strings.TrimSpace(text))
	if err != nil {
		return false, fmt.Errorf("failed to insert rule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRules returns every rule in id order.
func (p *PostgresStorage) ListRules(ctx context.Context) ([]StoredRule, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, rule FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredRule, error) {
		var rule StoredRule
		err := row.Scan(&rule.ID, &rule.Text)
		return rule, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rules: %w", err)
	}
	return rules, nil
}

// UpdateRule replaces the text of rule id.
func (p *PostgresStorage) UpdateRule(ctx context.Context, id int64, text string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rules SET rule = $1, updated_at = now() WHERE id = $2`,
		strings.TrimSpace(text), id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, ErrDuplicateRule
		}
		return false, fmt.Errorf("failed to update rule %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRule looks up a rule by id.
func (p *PostgresStorage) GetRule(ctx context.Context, id int64) (StoredRule, bool, error) {
	var rule StoredRule
	err := p.pool.QueryRow(ctx, `SELECT id, rule FROM rules WHERE id = $1`, id).Scan(&rule.ID, &rule.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredRule{}, false, nil
	}
	if err != nil {
		return StoredRule{}, false, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, true, nil
}
