package sheets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseA1(t *testing.T) {
	cases := []struct {
		raw  string
		want A1Range
	}{
		{"Categories", A1Range{Sheet: "Categories", StartCol: 0, EndCol: -1}},
		{"Categories!A:G", A1Range{Sheet: "Categories", StartCol: 0, EndCol: 6}},
		{"Options!A5:H5", A1Range{Sheet: "Options", StartCol: 0, EndCol: 7, StartRow: 5, EndRow: 5}},
		{"MapOptions!A5:D", A1Range{Sheet: "MapOptions", StartCol: 0, EndCol: 3, StartRow: 5}},
		{"'Mp Categories'!B2", A1Range{Sheet: "Mp Categories", StartCol: 1, EndCol: 1, StartRow: 2, EndRow: 2}},
		{"Characteristics!AA1:AB3", A1Range{Sheet: "Characteristics", StartCol: 26, EndCol: 27, StartRow: 1, EndRow: 3}},
	}
	for _, tc := range cases {
		got, err := ParseA1(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseA1Rejects(t *testing.T) {
	for _, raw := range []string{"", "!A:B", "Sheet!D:A", "Sheet!A5:A2", "Sheet!A0", "Sheet!1x"} {
		_, err := ParseA1(raw)
		assert.ErrorIs(t, err, ErrInvalidRange, raw)
	}
}

func TestColumnLetterRoundTrip(t *testing.T) {
	for i := 0; i < 800; i++ {
		assert.Equal(t, i, ColumnIndex(ColumnLetter(i)))
	}
	assert.Equal(t, "A", ColumnLetter(0))
	assert.Equal(t, "N", ColumnLetter(13))
	assert.Equal(t, "AA", ColumnLetter(26))
	assert.Equal(t, "", ColumnLetter(-1))
}

func TestRangeBuilders(t *testing.T) {
	assert.Equal(t, "Categories!A5:G5", RowRange("Categories", 5, 7))
	assert.Equal(t, "Characteristics!A:N", ColumnsRange("Characteristics", 14))
}
