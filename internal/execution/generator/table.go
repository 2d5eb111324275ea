package generator

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
)

// Table yields one child per data row; each column is a parameter.
type Table struct {
	header []string
	rows   [][]any
}

// NewTable parses CSV with a header row. Cells are typed with ParseScalar.
func NewTable(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Validationf("parameter table is empty")
	}
	if err != nil {
		return nil, domain.Validationf("parse parameter table header: %v", err)
	}
	verr := &domain.ValidationError{}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == "" {
			verr.Add(fmt.Sprintf("parameter table column %d has no name", i+1))
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	var rows [][]any
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Validationf("parameter table row %d: %v", line, err)
		}
		row := make([]any, len(rec))
		for i, cell := range rec {
			row[i] = ParseScalar(cell)
		}
		rows = append(rows, row)
	}
	return &Table{header: header, rows: rows}, nil
}

// NewTableFromRows builds a table from an already decoded header and rows.
func NewTableFromRows(header []string, rows [][]any) (*Table, error) {
	if len(header) == 0 {
		return nil, domain.Validationf("parameter table has no header")
	}
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, domain.Validationf("parameter table row %d has %d cells, want %d", i+1, len(row), len(header))
		}
	}
	return &Table{header: append([]string(nil), header...), rows: rows}, nil
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Header() []string { return append([]string(nil), t.header...) }

func (t *Table) Generate(base domain.RunRecord) iter.Seq[domain.RunRecord] {
	return func(yield func(domain.RunRecord) bool) {
		for i, row := range t.rows {
			params := make(map[string]any, len(t.header))
			for j, name := range t.header {
				params[name] = row[j]
			}
			if !yield(child(base, i+1, params)) {
				return
			}
		}
	}
}

// ParseScalar types a text cell: empty is nil, then int, float, bool, string.
func ParseScalar(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
