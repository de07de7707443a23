// Package store persists analysis runs and their results in DuckDB so that
// they can be queried after the fact.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"os"
	"path/filepath"

	goduckdb "github.com/marcboeker/go-duckdb"
)

// Store manages a DuckDB connection holding analysis results.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a DuckDB database at the given path.
// Use an empty string for an in-memory database.
func Open(path string) (*Store, error) {
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id VARCHAR PRIMARY KEY,
		kind VARCHAR,
		created_at TIMESTAMP,
		dataset VARCHAR,
		dataset_size BIGINT,
		dataset_mtime TIMESTAMP,
		ref VARCHAR,
		target VARCHAR,
		params VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS de_results (
		run_id VARCHAR,
		cell_type VARCHAR,
		test VARCHAR,
		gene VARCHAR,
		log2_fold_change DOUBLE,
		pvalue DOUBLE,
		padj DOUBLE,
		z DOUBLE,
		za DOUBLE,
		stab_mean_rank DOUBLE,
		stab_median_rank DOUBLE,
		stab_var_rank DOUBLE,
		PRIMARY KEY (run_id, cell_type, gene)
	)`,
	`CREATE TABLE IF NOT EXISTS expression_shifts (
		run_id VARCHAR,
		cell_type VARCHAR,
		n_ref BIGINT,
		n_target BIGINT,
		distance VARCHAR,
		dims BIGINT,
		observed DOUBLE,
		statistic DOUBLE,
		pvalue DOUBLE,
		padj DOUBLE,
		PRIMARY KEY (run_id, cell_type)
	)`,
}

// ensureSchema creates tables if they don't exist.
func (s *Store) ensureSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// appendRows batch-inserts rows into table using the Appender API.
func (s *Store) appendRows(table string, rows [][]driver.Value) error {
	if len(rows) == 0 {
		return nil
	}
	conn, err := s.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer conn.Close()

	var appender *goduckdb.Appender
	if err := conn.Raw(func(driverConn any) error {
		var err error
		appender, err = goduckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", table)
		return err
	}); err != nil {
		return fmt.Errorf("create appender: %w", err)
	}
	defer appender.Close()

	for _, r := range rows {
		if err := appender.AppendRow(r...); err != nil {
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return appender.Flush()
}

// nullable stores NaN as NULL.
func nullable(v float64) driver.Value {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

// orNaN reads NULL back as NaN.
func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
