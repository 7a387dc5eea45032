package sheets

import (
	"fmt"
	"strconv"
	"strings"
)

// A1Range is a parsed "Sheet!A2:D5" reference. Columns are zero-based,
// rows one-based; -1 / 0 mark an open bound.
type A1Range struct {
	Sheet    string
	StartCol int
	EndCol   int
	StartRow int
	EndRow   int
}

func ParseA1(raw string) (A1Range, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return A1Range{}, fmt.Errorf("%w: empty", ErrInvalidRange)
	}
	out := A1Range{StartCol: 0, EndCol: -1}
	sheet, cells, found := strings.Cut(raw, "!")
	out.Sheet = strings.Trim(strings.TrimSpace(sheet), "'")
	if out.Sheet == "" {
		return A1Range{}, fmt.Errorf("%w: missing sheet in %q", ErrInvalidRange, raw)
	}
	if !found || strings.TrimSpace(cells) == "" {
		return out, nil
	}
	start, end, hasEnd := strings.Cut(strings.TrimSpace(cells), ":")
	startCol, startRow, err := parseCell(start)
	if err != nil {
		return A1Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
	out.StartCol, out.StartRow = startCol, startRow
	if out.StartCol < 0 {
		out.StartCol = 0
	}
	if !hasEnd {
		out.EndCol = startCol
		out.EndRow = startRow
		return out, nil
	}
	endCol, endRow, err := parseCell(end)
	if err != nil {
		return A1Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
	out.EndCol, out.EndRow = endCol, endRow
	if out.EndCol >= 0 && out.EndCol < out.StartCol {
		return A1Range{}, fmt.Errorf("%w: reversed columns in %q", ErrInvalidRange, raw)
	}
	if out.EndRow > 0 && out.EndRow < out.StartRow {
		return A1Range{}, fmt.Errorf("%w: reversed rows in %q", ErrInvalidRange, raw)
	}
	return out, nil
}

// parseCell returns column -1 for a row-only reference and row 0 for a
// column-only one.
func parseCell(cell string) (int, int, error) {
	cell = strings.ToUpper(strings.TrimSpace(cell))
	if cell == "" {
		return 0, 0, ErrInvalidRange
	}
	i := 0
	for i < len(cell) && cell[i] >= 'A' && cell[i] <= 'Z' {
		i++
	}
	col := -1
	if i > 0 {
		col = ColumnIndex(cell[:i])
	}
	row := 0
	if i < len(cell) {
		n, err := strconv.Atoi(cell[i:])
		if err != nil || n <= 0 {
			return 0, 0, ErrInvalidRange
		}
		row = n
	}
	return col, row, nil
}

// ColumnIndex converts "A" → 0, "Z" → 25, "AA" → 26.
func ColumnIndex(letters string) int {
	n := 0
	for _, r := range strings.ToUpper(letters) {
		n = n*26 + int(r-'A'+1)
	}
	return n - 1
}

func ColumnLetter(index int) string {
	if index < 0 {
		return ""
	}
	var b []byte
	for index >= 0 {
		b = append([]byte{byte('A' + index%26)}, b...)
		index = index/26 - 1
	}
	return string(b)
}

// RowRange builds "Sheet!A5:G5" for a single row spanning width columns.
func RowRange(sheet string, row, width int) string {
	if width <= 0 {
		width = 1
	}
	return fmt.Sprintf("%s!A%d:%s%d", sheet, row, ColumnLetter(width-1), row)
}

// ColumnsRange builds "Sheet!A:G".
func ColumnsRange(sheet string, width int) string {
	if width <= 0 {
		width = 1
	}
	return fmt.Sprintf("%s!A:%s", sheet, ColumnLetter(width-1))
}
