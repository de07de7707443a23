package matrix

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression magic numbers.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ParseError reports a malformed line in a matrix file.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// ReadFile reads a tab-separated matrix. The header line holds a row-label
// heading followed by column names; each following line holds a row label
// followed by one value per column. Plain, gzip and zstd files are accepted
// and detected by their magic bytes.
func ReadFile(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open matrix file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read matrix header: %w", err)
	}

	var r io.Reader = br
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	m, err := Read(r)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return m, nil
}

// Read parses an uncompressed tab-separated matrix from r.
func Read(r io.Reader) (*Matrix, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)

	line := 0
	var cols []string
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "##") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, &ParseError{Line: line, Message: "header needs a row label column and at least one column"}
		}
		cols = fields[1:]
		break
	}
	if cols == nil {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read matrix: %w", err)
		}
		return nil, &ParseError{Line: line, Message: "missing header line"}
	}

	var (
		rows   []string
		values [][]float64
	)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != len(cols)+1 {
			return nil, &ParseError{Line: line, Message: fmt.Sprintf("expected %d fields, got %d", len(cols)+1, len(fields))}
		}
		row := make([]float64, len(cols))
		for j, f := range fields[1:] {
			if f == "" || f == "NA" {
				continue
			}
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Message: fmt.Sprintf("column %q: invalid value %q", cols[j], f)}
			}
			row[j] = v
		}
		rows = append(rows, fields[0])
		values = append(values, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}

	return NewFromRows(rows, cols, values)
}

// Write writes m as a tab-separated matrix with the given row-label heading.
func Write(w io.Writer, m *Matrix, rowHeading string) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(rowHeading)
	for _, c := range m.ColNames {
		bw.WriteByte('\t')
		bw.WriteString(c)
	}
	bw.WriteByte('\n')

	r, c := m.Dims()
	for i := 0; i < r; i++ {
		bw.WriteString(m.RowNames[i])
		for j := 0; j < c; j++ {
			bw.WriteByte('\t')
			bw.WriteString(strconv.FormatFloat(m.At(i, j), 'g', -1, 64))
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
