package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Table is a header plus rows of cells. Read cells are strings; written cells may be string, int,
// float64 or nil for a null value.
type Table struct {
	Columns []string
	Rows    [][]any
}

// ColumnIndex finds a column by case-insensitive name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if strings.EqualFold(col, name) {
			return i
		}
	}
	return -1
}

// Cell returns the string value at row/col, or "" when the row is short or the cell is null.
func (t *Table) Cell(row, col int) string {
	if col < 0 || row >= len(t.Rows) || col >= len(t.Rows[row]) {
		return ""
	}
	return formatCell(t.Rows[row][col])
}

// isIndexColumn matches index columns left by dataframe exports: "Unnamed: N" headers,
// or a blank header in the first column.
func isIndexColumn(i int, header string) bool {
	header = strings.TrimSpace(header)
	return strings.HasPrefix(header, "Unnamed:") || (i == 0 && header == "")
}

// dropUnnamedColumns removes index columns left by spreadsheet exports.
func (t *Table) dropUnnamedColumns() {
	keep := make([]int, 0, len(t.Columns))
	for i, col := range t.Columns {
		if !isIndexColumn(i, col) {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(t.Columns) {
		return
	}

	columns := make([]string, len(keep))
	for j, i := range keep {
		columns[j] = t.Columns[i]
	}
	for r, row := range t.Rows {
		trimmed := make([]any, len(keep))
		for j, i := range keep {
			if i < len(row) {
				trimmed[j] = row[i]
			}
		}
		t.Rows[r] = trimmed
	}
	t.Columns = columns
}

// TableHandler reads and writes one file format
type TableHandler interface {
	CanHandle(path string) bool
	Read(path string) (*Table, error)
	Write(f *os.File, table *Table) error
}

// TableStore picks a handler by file name
type TableStore struct {
	handlers []TableHandler
}

// NewTableStore creates a store with the xlsx, csv and tsv handlers
func NewTableStore() *TableStore {
	s := &TableStore{}
	s.AddHandler(&XLSXHandler{})
	s.AddHandler(&CSVHandler{Ext: ".csv", Comma: ','})
	s.AddHandler(&CSVHandler{Ext: ".tsv", Comma: '\t'})
	return s
}

// AddHandler adds a table handler to the chain
func (s *TableStore) AddHandler(handler TableHandler) {
	s.handlers = append(s.handlers, handler)
}

func (s *TableStore) handlerFor(path string) (TableHandler, error) {
	for _, h := range s.handlers {
		if h.CanHandle(path) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no handler found for %s", path)
}

// Supports reports whether a handler exists for path
func (s *TableStore) Supports(path string) bool {
	_, err := s.handlerFor(path)
	return err == nil
}

// ReadTable loads a table and cleans its header
func (s *TableStore) ReadTable(path string) (*Table, error) {
	h, err := s.handlerFor(path)
	if err != nil {
		return nil, err
	}
	table, err := h.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	for i, col := range table.Columns {
		table.Columns[i] = cleanCell(col)
	}
	table.dropUnnamedColumns()
	log.Debug().Str("path", path).Int("rows", len(table.Rows)).Strs("columns", table.Columns).Msg("Table loaded")
	return table, nil
}

// WriteTable writes the table to a temp file next to path and renames it into place,
// so a failed run never leaves a partial file.
func (s *TableStore) WriteTable(path string, table *Table) error {
	h, err := s.handlerFor(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := h.Write(tmp, table); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving output into place: %w", err)
	}
	return nil
}

func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "\ufeff")
	return v
}
