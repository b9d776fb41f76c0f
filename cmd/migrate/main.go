package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

func main() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: migrate <strip-unnamed <file.xlsx> | to-csv <in.xlsx> <out.csv>>")
	}

	command := os.Args[1]
	path := os.Args[2]

	switch command {
	case "strip-unnamed":
		removed, err := stripUnnamed(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Removed %d index columns from %s", removed, path)
	case "to-csv":
		if len(os.Args) < 4 {
			log.Fatal("Usage: migrate to-csv <in.xlsx> <out.csv>")
		}
		rows, err := toCSV(path, os.Args[3])
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Wrote %d rows to %s", rows, os.Args[3])
	default:
		log.Fatalf("Unknown command %q", command)
	}
}

// stripUnnamed removes dataframe index columns ("Unnamed: N", or a blank first header) from every sheet of a workbook.
func stripUnnamed(path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	removed := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return removed, fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}

		// right to left so earlier column names stay valid
		header := rows[0]
		for i := len(header) - 1; i >= 0; i-- {
			if !isIndexColumn(i, header[i]) {
				continue
			}
			col, err := excelize.ColumnNumberToName(i + 1)
			if err != nil {
				return removed, err
			}
			if err := f.RemoveCol(sheet, col); err != nil {
				return removed, fmt.Errorf("removing column %s from %s: %w", col, sheet, err)
			}
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, f.Save()
}

func isIndexColumn(i int, header string) bool {
	header = strings.TrimSpace(header)
	return strings.HasPrefix(header, "Unnamed:") || (i == 0 && header == "")
}

// toCSV converts the first sheet of a workbook to CSV and returns the number of data rows.
func toCSV(in, out string) (int, error) {
	f, err := excelize.OpenFile(in)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", in, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, fmt.Errorf("%s has no sheets", in)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return 0, fmt.Errorf("reading sheet %s: %w", sheets[0], err)
	}

	// rows come back trimmed of trailing empty cells
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}

	file, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", out, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	for _, row := range rows {
		record := make([]string, width)
		copy(record, row)
		if err := w.Write(record); err != nil {
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}
	return max(len(rows)-1, 0), file.Close()
}
