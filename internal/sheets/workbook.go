package sheets

import (
	"context"
	"fmt"
	"slices"
	"sync"

	sheets "google.golang.org/api/sheets/v4"
)

// Color is an RGB colour with components in [0, 1].
type Color struct {
	Red, Green, Blue float64
}

func (c Color) api() *sheets.Color {
	return &sheets.Color{Red: c.Red, Green: c.Green, Blue: c.Blue}
}

// Highlight colours the background of one cell. Row is the 1-based sheet
// row, Col the 0-based column index.
type Highlight struct {
	Row   int
	Col   int
	Color Color
}

// Workbook is one spreadsheet as seen by a single run. It caches the
// title-to-id mapping of its sheets until a sheet is added.
type Workbook struct {
	svc Service
	id  string

	mu   sync.Mutex
	meta map[string]int64
}

// NewWorkbook returns a Workbook for spreadsheetID.
func NewWorkbook(svc Service, spreadsheetID string) *Workbook {
	return &Workbook{svc: svc, id: spreadsheetID}
}

// ID returns the spreadsheet id.
func (w *Workbook) ID() string {
	return w.id
}

// ReadRows returns the cell values of a1Range. Rows may be shorter than the
// range when trailing cells are empty.
func (w *Workbook) ReadRows(ctx context.Context, a1Range string) ([][]string, error) {
	rows, err := w.svc.GetValues(ctx, w.id, a1Range)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a1Range, err)
	}
	return rows, nil
}

// SheetID resolves a sheet title to its numeric id.
func (w *Workbook) SheetID(ctx context.Context, title string) (int64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.meta == nil {
		ss, err := w.svc.GetMetadata(ctx, w.id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to read spreadsheet metadata: %w", err)
		}
		w.meta = make(map[string]int64, len(ss.Sheets))
		for _, s := range ss.Sheets {
			if s.Properties != nil {
				w.meta[s.Properties.Title] = s.Properties.SheetId
			}
		}
	}

	id, ok := w.meta[title]
	return id, ok, nil
}

// Invalidate drops the cached sheet metadata.
func (w *Workbook) Invalidate() {
	w.mu.Lock()
	w.meta = nil
	w.mu.Unlock()
}

// EnsureSheet returns the id of the sheet titled title, creating it first if
// it does not exist.
func (w *Workbook) EnsureSheet(ctx context.Context, title string) (int64, error) {
	id, ok, err := w.SheetID(ctx, title)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	err = w.svc.BatchUpdate(ctx, w.id, []*sheets.Request{{
		AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: title}},
	}})
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet %s: %w", title, err)
	}
	w.Invalidate()

	id, ok, err = w.SheetID(ctx, title)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("sheet %s missing after creation", title)
	}
	return id, nil
}

// AppendRows appends rows below the existing data of the sheet titled title
// in one call and returns the 1-based sheet row of the first appended row.
func (w *Workbook) AppendRows(ctx context.Context, title string, rows [][]string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	updated, err := w.svc.AppendValues(ctx, w.id, A1(title, "A1"), rows)
	if err != nil {
		return 0, fmt.Errorf("failed to append %d rows to %s: %w", len(rows), title, err)
	}
	start, err := StartRow(updated)
	if err != nil {
		return 0, fmt.Errorf("failed to locate appended rows: %w", err)
	}
	return start, nil
}

// HighlightCells sets the background colour of each cell in one call.
func (w *Workbook) HighlightCells(ctx context.Context, title string, cells []Highlight) error {
	if len(cells) == 0 {
		return nil
	}
	sheetID, ok, err := w.SheetID(ctx, title)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sheet %s not found", title)
	}

	reqs := make([]*sheets.Request, 0, len(cells))
	for _, c := range cells {
		reqs = append(reqs, &sheets.Request{RepeatCell: &sheets.RepeatCellRequest{
			Range: &sheets.GridRange{
				SheetId:          sheetID,
				StartRowIndex:    int64(c.Row - 1),
				EndRowIndex:      int64(c.Row),
				StartColumnIndex: int64(c.Col),
				EndColumnIndex:   int64(c.Col + 1),
				ForceSendFields:  []string{"SheetId", "StartRowIndex", "StartColumnIndex"},
			},
			Cell: &sheets.CellData{
				UserEnteredFormat: &sheets.CellFormat{BackgroundColor: c.Color.api()},
			},
			Fields: "userEnteredFormat.backgroundColor",
		}})
	}

	if err := w.svc.BatchUpdate(ctx, w.id, reqs); err != nil {
		return fmt.Errorf("failed to format %d cells on %s: %w", len(cells), title, err)
	}
	return nil
}

// DeleteRows removes the given 1-based sheet rows of the sheet titled title
// in one call.
func (w *Workbook) DeleteRows(ctx context.Context, title string, rows []int) error {
	if len(rows) == 0 {
		return nil
	}
	sheetID, ok, err := w.SheetID(ctx, title)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sheet %s not found", title)
	}

	if err := w.svc.BatchUpdate(ctx, w.id, DeleteRowsRequests(sheetID, rows)); err != nil {
		return fmt.Errorf("failed to delete %d rows from %s: %w", len(rows), title, err)
	}
	return nil
}

// DeleteRowsRequests builds one DeleteDimension request per distinct row,
// highest row first, so that no deletion shifts a row still to be deleted.
func DeleteRowsRequests(sheetID int64, rows []int) []*sheets.Request {
	sorted := slices.Clone(rows)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	slices.Reverse(sorted)

	reqs := make([]*sheets.Request, 0, len(sorted))
	for _, row := range sorted {
		if row < 1 {
			continue
		}
		reqs = append(reqs, &sheets.Request{DeleteDimension: &sheets.DeleteDimensionRequest{
			Range: &sheets.DimensionRange{
				SheetId:         sheetID,
				Dimension:       "ROWS",
				StartIndex:      int64(row - 1),
				EndIndex:        int64(row),
				ForceSendFields: []string{"SheetId", "StartIndex"},
			},
		}})
	}
	return reqs
}
