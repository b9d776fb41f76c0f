package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleTable() *Table {
	return &Table{
		Columns: additionalColumns,
		Rows: [][]any{
			{1, "Profit up", 1, 0.4, "Earnings"},
			{2, nil, 0, 0.4, "Earnings"},
			{3, "Profit rose, \"sharply\"", 0, nil, "Earnings"},
		},
	}
}

func TestTableStoreRoundTrip(t *testing.T) {
	for _, name := range []string{"out.xlsx", "out.csv", "out.tsv"} {
		t.Run(name, func(t *testing.T) {
			store := NewTableStore()
			path := filepath.Join(t.TempDir(), "nested", name)

			require.NoError(t, store.WriteTable(path, sampleTable()))

			table, err := store.ReadTable(path)
			require.NoError(t, err)
			assert.Equal(t, additionalColumns, table.Columns)
			require.Len(t, table.Rows, 3)

			assert.Equal(t, "1", table.Cell(0, 0))
			assert.Equal(t, "Profit up", table.Cell(0, 1))
			assert.Equal(t, "0.4", table.Cell(0, 3))
			assert.Equal(t, "", table.Cell(1, 1), "null text is written as an empty cell")
			assert.Equal(t, "Profit rose, \"sharply\"", table.Cell(2, 1))
			assert.Equal(t, "", table.Cell(2, 3))
			assert.Equal(t, "Earnings", table.Cell(2, 4))
		})
	}
}

func TestWriteTableLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.xlsx")

	require.NoError(t, NewTableStore().WriteTable(path, sampleTable()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "base.xlsx", entries[0].Name())
}

func TestWriteTableReplacesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.csv")
	require.NoError(t, os.WriteFile(path, []byte("old,content\n"), 0644))

	table := &Table{Columns: []string{"text"}, Rows: [][]any{{"new"}}}
	require.NoError(t, NewTableStore().WriteTable(path, table))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "text\nnew\n", string(data))
}

func TestUnsupportedFormat(t *testing.T) {
	store := NewTableStore()
	path := filepath.Join(t.TempDir(), "data.json")

	assert.False(t, store.Supports(path))
	assert.True(t, store.Supports("DATA.XLSX"))

	err := store.WriteTable(path, sampleTable())
	assert.ErrorContains(t, err, "no handler found")

	_, err = store.ReadTable(path)
	assert.ErrorContains(t, err, "no handler found")
}

func TestReadTableCleansHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "few_shot.csv")
	content := "\ufeffUnnamed: 0, text ,category\n0,First,1\n1,Second\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	table, err := NewTableStore().ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"text", "category"}, table.Columns)
	assert.Equal(t, []any{"First", "1"}, table.Rows[0])
	assert.Equal(t, "Second", table.Cell(1, 0))
	assert.Equal(t, "", table.Cell(1, 1))
}

func TestReadTableBlankIndexHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"blank first header", ",text,category\n0,First,1\n", []string{"text", "category"}},
		{"blank header elsewhere kept", "text,,category\nFirst,x,1\n", []string{"text", "", "category"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "table.csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			table, err := NewTableStore().ReadTable(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, table.Columns)
			assert.Equal(t, "First", table.Cell(0, 0))
		})
	}
}

func TestReadXLSXBlankIndexHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synthetic_news.xlsx")

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"", "type", "text"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{0, "Earnings", "Profit up"}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	table, err := NewTableStore().ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"type", "text"}, table.Columns)
	assert.Equal(t, []any{"Earnings", "Profit up"}, table.Rows[0])
}

func TestReadXLSXFirstSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "few_shot.xlsx")

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Unnamed: 0", "text", "category"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{0, "Shares rallied", 3}))
	_, err := f.NewSheet("Notes")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Notes", "A1", "ignored"))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	table, err := NewTableStore().ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"text", "category"}, table.Columns)
	assert.Equal(t, "Shares rallied", table.Cell(0, 0))
	assert.Equal(t, "3", table.Cell(0, 1))
}

func TestTableColumnIndex(t *testing.T) {
	table := &Table{Columns: []string{"No", "text", "Impact"}}
	assert.Equal(t, 0, table.ColumnIndex("no"))
	assert.Equal(t, 2, table.ColumnIndex("impact"))
	assert.Equal(t, -1, table.ColumnIndex("type"))
}

func TestFormatCell(t *testing.T) {
	assert.Equal(t, "", formatCell(nil))
	assert.Equal(t, "abc", formatCell("abc"))
	assert.Equal(t, "7", formatCell(7))
	assert.Equal(t, "0.25", formatCell(0.25))
	assert.Equal(t, "1", formatCell(1.0))
}
