package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Run kinds.
const (
	KindDE    = "de"
	KindShift = "shift"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Fingerprint holds stat-based identity for a dataset directory: the total
// size and latest modification time of its files.
type Fingerprint struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// StatDataset fingerprints every regular file below dir.
func StatDataset(dir string) (Fingerprint, error) {
	fp := Fingerprint{Path: dir}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fp.Size += info.Size()
		if info.ModTime().After(fp.ModTime) {
			fp.ModTime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return Fingerprint{}, err
	}
	// DuckDB timestamps have microsecond precision.
	fp.ModTime = fp.ModTime.UTC().Truncate(time.Microsecond)
	return fp, nil
}

// Run describes one analysis invocation.
type Run struct {
	ID        string
	Kind      string
	CreatedAt time.Time
	Dataset   Fingerprint
	Ref       string
	Target    string
	// Params is the YAML encoding of the analysis options.
	Params string
}

// NewRun creates a run with a fresh ID. params is encoded as YAML.
func NewRun(kind string, dataset Fingerprint, ref, target string, params any) (*Run, error) {
	b, err := yaml.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode run parameters: %w", err)
	}
	return &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Dataset:   dataset,
		Ref:       ref,
		Target:    target,
		Params:    string(b),
	}, nil
}

// CreateRun records r.
func (s *Store) CreateRun(r *Run) error {
	return s.appendRows("runs", [][]driver.Value{{
		r.ID, r.Kind, r.CreatedAt, r.Dataset.Path, r.Dataset.Size, r.Dataset.ModTime,
		r.Ref, r.Target, r.Params,
	}})
}

const runColumns = `run_id, kind, created_at, dataset, dataset_size, dataset_mtime, ref, target, params`

func scanRun(row interface{ Scan(dest ...any) error }) (*Run, error) {
	var r Run
	if err := row.Scan(&r.ID, &r.Kind, &r.CreatedAt, &r.Dataset.Path, &r.Dataset.Size, &r.Dataset.ModTime,
		&r.Ref, &r.Target, &r.Params); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun looks up a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// Runs lists runs of the given kind, newest first. An empty kind lists all.
func (s *Store) Runs(kind string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	rows, err := s.db.Query(query+` ORDER BY created_at DESC, run_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// FindRun returns the newest run of kind over an unchanged dataset with
// identical parameters, or ErrNotFound.
func (s *Store) FindRun(kind string, dataset Fingerprint, params any) (*Run, error) {
	b, err := yaml.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode run parameters: %w", err)
	}
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs
		WHERE kind=? AND dataset=? AND dataset_size=? AND dataset_mtime=? AND params=?
		ORDER BY created_at DESC LIMIT 1`,
		kind, dataset.Path, dataset.Size, dataset.ModTime, string(b)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// DeleteRun removes a run and its results.
func (s *Store) DeleteRun(id string) error {
	for _, table := range []string{"de_results", "expression_shifts", "runs"} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE run_id=?`, id); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}
