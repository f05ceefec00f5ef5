package sheetstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sheets "google.golang.org/api/sheets/v4"
)

func TestGetValues_Ranges(t *testing.T) {
	ss := New("book")
	ss.AddSheet("Output", [][]string{
		{"title"},
		{"header"},
		{"a", "b", "", ""},
		{"c", "d", "e", "f", "g"},
		{},
	})

	ctx := context.Background()

	rows, err := ss.GetValues(ctx, "book", "'Output'!A3:D")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d", "e", "f"}}, rows)

	rows, err = ss.GetValues(ctx, "book", "Output!B4")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"d"}}, rows)

	_, err = ss.GetValues(ctx, "book", "Missing!A1:B")
	require.Error(t, err)
	_, err = ss.GetValues(ctx, "other", "Output!A1:B")
	require.Error(t, err)
}

func TestAppendValues(t *testing.T) {
	ss := New("book")
	ss.AddSheet("It's archive", [][]string{{"h1", "h2"}, {"x", "y"}, {"", ""}})

	updated, err := ss.AppendValues(context.Background(), "book", "'It''s archive'!A1",
		[][]string{{"1", "2", "3"}, {"4"}})
	require.NoError(t, err)
	assert.Equal(t, "'It''s archive'!A3:C4", updated)
	assert.Equal(t, [][]string{{"h1", "h2"}, {"x", "y"}, {"1", "2", "3"}, {"4"}}, ss.Rows("It's archive"))
}

func TestBatchUpdate_AppliesInOrder(t *testing.T) {
	ss := New("book")
	id := ss.AddSheet("S", [][]string{{"r1"}, {"r2"}, {"r3"}, {"r4"}})

	err := ss.BatchUpdate(context.Background(), "book", []*sheets.Request{
		{RepeatCell: &sheets.RepeatCellRequest{
			Range:  &sheets.GridRange{SheetId: id, StartRowIndex: 3, EndRowIndex: 4, StartColumnIndex: 0, EndColumnIndex: 1},
			Cell:   &sheets.CellData{UserEnteredFormat: &sheets.CellFormat{BackgroundColor: &sheets.Color{Green: 1}}},
			Fields: "userEnteredFormat.backgroundColor",
		}},
		{DeleteDimension: &sheets.DeleteDimensionRequest{Range: &sheets.DimensionRange{SheetId: id, Dimension: "ROWS", StartIndex: 1, EndIndex: 2}}},
		{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: "New"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"r1"}, {"r3"}, {"r4"}}, ss.Rows("S"))
	// The coloured row moved up with its content.
	require.NotNil(t, ss.Background("S", 3, 0))
	assert.Equal(t, 1.0, ss.Background("S", 3, 0).Green)
	assert.Nil(t, ss.Background("S", 4, 0))
	assert.True(t, ss.HasSheet("New"))
	assert.Equal(t, 1, ss.Calls("BatchUpdate"))

	err = ss.BatchUpdate(context.Background(), "book", []*sheets.Request{
		{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: "New"}}},
	})
	require.Error(t, err)
}

func TestFail(t *testing.T) {
	ss := New("book")
	ss.AddSheet("S", nil)
	ss.Fail("GetMetadata", assert.AnError)

	_, err := ss.GetMetadata(context.Background(), "book")
	require.ErrorIs(t, err, assert.AnError)

	ss.Fail("GetMetadata", nil)
	meta, err := ss.GetMetadata(context.Background(), "book")
	require.NoError(t, err)
	require.Len(t, meta.Sheets, 1)
	assert.Equal(t, "S", meta.Sheets[0].Properties.Title)
	assert.Equal(t, 2, ss.Calls("GetMetadata"))
}

func TestColumn(t *testing.T) {
	assert.Equal(t, "A", column(0))
	assert.Equal(t, "L", column(11))
	assert.Equal(t, "Z", column(25))
	assert.Equal(t, "AA", column(26))
	assert.Equal(t, "AZ", column(51))
}
