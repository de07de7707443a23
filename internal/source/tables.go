package source

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/inodb/vibe-cacoa/internal/groups"
)

type tableRow struct {
	key    string
	values []string
}

// readTable reads a tab-separated file with a header line and returns the
// key column plus the named columns of every row. Column order in the file
// does not matter.
func readTable(path, key string, cols ...string) ([]tableRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, fmt.Errorf("%s: empty file", filepath.Base(path))
	}
	header := strings.Split(strings.TrimRight(sc.Text(), "\r"), "\t")
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}

	want := append([]string{key}, cols...)
	pos := make([]int, len(want))
	for i, c := range want {
		j, ok := idx[c]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q column", filepath.Base(path), c)
		}
		pos[i] = j
	}

	var rows []tableRow
	seen := make(map[string]bool)
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		vals := make([]string, len(pos))
		for i, j := range pos {
			if j >= len(fields) {
				return nil, fmt.Errorf("%s:%d: expected at least %d fields, got %d", filepath.Base(path), line, j+1, len(fields))
			}
			vals[i] = strings.TrimSpace(fields[j])
		}
		if vals[0] == "" {
			continue
		}
		if seen[vals[0]] {
			return nil, fmt.Errorf("%s:%d: duplicate %s %q", filepath.Base(path), line, key, vals[0])
		}
		seen[vals[0]] = true
		rows = append(rows, tableRow{key: vals[0], values: vals[1:]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// header returns the column names of a tab-separated file.
func header(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, fmt.Errorf("%s: empty file", filepath.Base(path))
	}
	var out []string
	for _, h := range strings.Split(strings.TrimRight(sc.Text(), "\r"), "\t") {
		out = append(out, strings.TrimSpace(h))
	}
	return out, nil
}

// Design is the sample table: conditions plus any extra columns, which
// become covariates.
type Design struct {
	Conditions map[string]string
	// Covariates maps covariate name to sample to value.
	Covariates map[string]map[string]string
}

// Groups builds the two-condition sample groups with ref as reference.
func (d *Design) Groups(ref string) (groups.SampleGroups, error) {
	return groups.FromConditions(ref, d.Conditions)
}

// Design reads samples.tsv. Columns other than sample and condition are
// returned as covariates.
func (p *FileProvider) Design() (*Design, error) {
	path := filepath.Join(p.dir, SamplesFile)
	cols, err := header(path)
	if err != nil {
		return nil, err
	}
	var extra []string
	for _, c := range cols {
		if c != "sample" && c != "condition" && c != "" {
			extra = append(extra, c)
		}
	}
	rows, err := readTable(path, "sample", append([]string{"condition"}, extra...)...)
	if err != nil {
		return nil, err
	}

	d := &Design{Conditions: make(map[string]string, len(rows)), Covariates: make(map[string]map[string]string)}
	for _, c := range extra {
		d.Covariates[c] = make(map[string]string, len(rows))
	}
	for _, r := range rows {
		d.Conditions[r.key] = r.values[0]
		for i, c := range extra {
			d.Covariates[c][r.key] = r.values[i+1]
		}
	}
	return d, nil
}

// readGraph reads "from to weight" edges. A missing weight means 1.
func readGraph(path string) ([]Edge, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cell graph: %w", err)
	}
	defer f.Close()

	var edges []Edge
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("cell graph:%d: expected at least 2 fields", line)
		}
		e := Edge{From: fields[0], To: fields[1], Weight: 1}
		if len(fields) > 2 {
			w, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				// Tolerate a header line.
				if line == 1 {
					continue
				}
				return nil, fmt.Errorf("cell graph:%d: invalid weight %q", line, fields[2])
			}
			e.Weight = w
		}
		edges = append(edges, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading cell graph: %w", err)
	}
	return edges, nil
}
