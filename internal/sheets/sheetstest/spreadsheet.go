// Package sheetstest provides an in-memory spreadsheet implementing
// sheets.Service, applying batch requests in order as the API does.
package sheetstest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	sheets "google.golang.org/api/sheets/v4"
)

// Sheet is one tab of the fake spreadsheet.
type Sheet struct {
	ID    int64
	Title string
	Rows  [][]string
	// Backgrounds maps [row, col] (0-based) to the cell background.
	Backgrounds map[[2]int]*sheets.Color
}

// Spreadsheet is a fake spreadsheet. The zero value is not usable; use New.
type Spreadsheet struct {
	mu     sync.Mutex
	id     string
	sheets []*Sheet
	nextID int64
	calls  map[string]int
	fail   map[string]error
}

var _ interface {
	GetMetadata(context.Context, string) (*sheets.Spreadsheet, error)
	GetValues(context.Context, string, string) ([][]string, error)
	AppendValues(context.Context, string, string, [][]string) (string, error)
	BatchUpdate(context.Context, string, []*sheets.Request) error
} = (*Spreadsheet)(nil)

// New returns an empty spreadsheet with the given id.
func New(id string) *Spreadsheet {
	return &Spreadsheet{
		id:     id,
		nextID: 100,
		calls:  make(map[string]int),
		fail:   make(map[string]error),
	}
}

// AddSheet adds a tab holding a copy of rows and returns its id.
func (s *Spreadsheet) AddSheet(title string, rows [][]string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSheet(title, rows).ID
}

func (s *Spreadsheet) addSheet(title string, rows [][]string) *Sheet {
	sh := &Sheet{ID: s.nextID, Title: title, Backgrounds: make(map[[2]int]*sheets.Color)}
	s.nextID++
	for _, r := range rows {
		sh.Rows = append(sh.Rows, append([]string(nil), r...))
	}
	s.sheets = append(s.sheets, sh)
	return sh
}

// Rows returns a copy of the rows of the tab titled title, or nil.
func (s *Spreadsheet) Rows(title string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh := s.byTitle(title)
	if sh == nil {
		return nil
	}
	out := make([][]string, len(sh.Rows))
	for i, r := range sh.Rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

// Background returns the background of a cell addressed by 1-based row and
// 0-based column, or nil.
func (s *Spreadsheet) Background(title string, row, col int) *sheets.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh := s.byTitle(title)
	if sh == nil {
		return nil
	}
	return sh.Backgrounds[[2]int{row - 1, col}]
}

// HasSheet reports whether a tab titled title exists.
func (s *Spreadsheet) HasSheet(title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTitle(title) != nil
}

// Calls returns how often method (GetMetadata, GetValues, AppendValues,
// BatchUpdate) was called.
func (s *Spreadsheet) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Fail makes every later call of method return err. A nil err clears it.
func (s *Spreadsheet) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

func (s *Spreadsheet) enter(method, spreadsheetID string) error {
	s.calls[method]++
	if err := s.fail[method]; err != nil {
		return err
	}
	if spreadsheetID != s.id {
		return fmt.Errorf("spreadsheet %s not found", spreadsheetID)
	}
	return nil
}

func (s *Spreadsheet) byTitle(title string) *Sheet {
	for _, sh := range s.sheets {
		if sh.Title == title {
			return sh
		}
	}
	return nil
}

func (s *Spreadsheet) byID(id int64) *Sheet {
	for _, sh := range s.sheets {
		if sh.ID == id {
			return sh
		}
	}
	return nil
}

func (s *Spreadsheet) GetMetadata(_ context.Context, spreadsheetID string) (*sheets.Spreadsheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetMetadata", spreadsheetID); err != nil {
		return nil, err
	}

	ss := &sheets.Spreadsheet{SpreadsheetId: s.id}
	for _, sh := range s.sheets {
		ss.Sheets = append(ss.Sheets, &sheets.Sheet{Properties: &sheets.SheetProperties{SheetId: sh.ID, Title: sh.Title}})
	}
	return ss, nil
}

func (s *Spreadsheet) GetValues(_ context.Context, spreadsheetID, a1Range string) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetValues", spreadsheetID); err != nil {
		return nil, err
	}

	r, err := parseRange(a1Range)
	if err != nil {
		return nil, err
	}
	sh := s.byTitle(r.title)
	if sh == nil {
		return nil, fmt.Errorf("unable to parse range: %s", a1Range)
	}

	var out [][]string
	for i := r.startRow; i < len(sh.Rows) && (r.endRow < 0 || i <= r.endRow); i++ {
		row := sh.Rows[i]
		var cells []string
		for c := r.startCol; c < len(row) && (r.endCol < 0 || c <= r.endCol); c++ {
			cells = append(cells, row[c])
		}
		for len(cells) > 0 && cells[len(cells)-1] == "" {
			cells = cells[:len(cells)-1]
		}
		out = append(out, cells)
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (s *Spreadsheet) AppendValues(_ context.Context, spreadsheetID, a1Range string, rows [][]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AppendValues", spreadsheetID); err != nil {
		return "", err
	}

	r, err := parseRange(a1Range)
	if err != nil {
		return "", err
	}
	sh := s.byTitle(r.title)
	if sh == nil {
		return "", fmt.Errorf("unable to parse range: %s", a1Range)
	}

	// Rows are inserted after the last row holding any value.
	last := len(sh.Rows)
	for last > 0 && isEmpty(sh.Rows[last-1]) {
		last--
	}
	sh.Rows = sh.Rows[:last]

	width := 0
	for _, row := range rows {
		sh.Rows = append(sh.Rows, append([]string(nil), row...))
		width = max(width, len(row))
	}

	start, end := last+1, last+len(rows)
	return fmt.Sprintf("%s!A%d:%s%d", quote(sh.Title), start, column(max(width, 1)-1), end), nil
}

func (s *Spreadsheet) BatchUpdate(_ context.Context, spreadsheetID string, requests []*sheets.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("BatchUpdate", spreadsheetID); err != nil {
		return err
	}

	for i, req := range requests {
		var err error
		switch {
		case req.AddSheet != nil:
			err = s.applyAddSheet(req.AddSheet)
		case req.RepeatCell != nil:
			err = s.applyRepeatCell(req.RepeatCell)
		case req.DeleteDimension != nil:
			err = s.applyDeleteDimension(req.DeleteDimension)
		default:
			err = fmt.Errorf("unsupported request")
		}
		if err != nil {
			return fmt.Errorf("invalid requests[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Spreadsheet) applyAddSheet(req *sheets.AddSheetRequest) error {
	if req.Properties == nil || req.Properties.Title == "" {
		return fmt.Errorf("addSheet: title is required")
	}
	if s.byTitle(req.Properties.Title) != nil {
		return fmt.Errorf("addSheet: a sheet with the name %q already exists", req.Properties.Title)
	}
	s.addSheet(req.Properties.Title, nil)
	return nil
}

func (s *Spreadsheet) applyRepeatCell(req *sheets.RepeatCellRequest) error {
	if req.Range == nil {
		return fmt.Errorf("repeatCell: range is required")
	}
	sh := s.byID(req.Range.SheetId)
	if sh == nil {
		return fmt.Errorf("repeatCell: no grid with id %d", req.Range.SheetId)
	}
	if req.Fields != "userEnteredFormat.backgroundColor" {
		return fmt.Errorf("repeatCell: unsupported fields %q", req.Fields)
	}
	var color *sheets.Color
	if req.Cell != nil && req.Cell.UserEnteredFormat != nil {
		color = req.Cell.UserEnteredFormat.BackgroundColor
	}
	for r := req.Range.StartRowIndex; r < req.Range.EndRowIndex; r++ {
		for c := req.Range.StartColumnIndex; c < req.Range.EndColumnIndex; c++ {
			sh.Backgrounds[[2]int{int(r), int(c)}] = color
		}
	}
	return nil
}

func (s *Spreadsheet) applyDeleteDimension(req *sheets.DeleteDimensionRequest) error {
	if req.Range == nil || req.Range.Dimension != "ROWS" {
		return fmt.Errorf("deleteDimension: only ROWS is supported")
	}
	sh := s.byID(req.Range.SheetId)
	if sh == nil {
		return fmt.Errorf("deleteDimension: no grid with id %d", req.Range.SheetId)
	}
	start, end := int(req.Range.StartIndex), int(req.Range.EndIndex)
	if start < 0 || end <= start || start >= len(sh.Rows) {
		return fmt.Errorf("deleteDimension: range [%d,%d) out of bounds", start, end)
	}
	end = min(end, len(sh.Rows))
	sh.Rows = append(sh.Rows[:start], sh.Rows[end:]...)

	shifted := make(map[[2]int]*sheets.Color, len(sh.Backgrounds))
	for k, v := range sh.Backgrounds {
		switch {
		case k[0] < start:
			shifted[k] = v
		case k[0] >= end:
			shifted[[2]int{k[0] - (end - start), k[1]}] = v
		}
	}
	sh.Backgrounds = shifted
	return nil
}

type gridRange struct {
	title            string
	startRow, endRow int // 0-based, endRow inclusive, -1 open
	startCol, endCol int
}

// parseRange understands Title, Title!A3:L and 'Quoted Title'!A1 forms.
func parseRange(a1 string) (gridRange, error) {
	r := gridRange{endRow: -1, endCol: -1}

	title, cells, hasCells := a1, "", false
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		title, cells, hasCells = a1[:i], a1[i+1:], true
	}
	if strings.HasPrefix(title, "'") && strings.HasSuffix(title, "'") && len(title) >= 2 {
		title = strings.ReplaceAll(title[1:len(title)-1], "''", "'")
	}
	r.title = title
	if !hasCells {
		return r, nil
	}

	from, to, isRange := strings.Cut(cells, ":")
	var err error
	r.startCol, r.startRow, err = parseCell(from)
	if err != nil {
		return r, fmt.Errorf("unable to parse range: %s", a1)
	}
	if r.startCol < 0 {
		r.startCol = 0
	}
	if r.startRow < 0 {
		r.startRow = 0
	}
	if !isRange {
		r.endCol, r.endRow = r.startCol, r.startRow
		return r, nil
	}
	r.endCol, r.endRow, err = parseCell(to)
	if err != nil {
		return r, fmt.Errorf("unable to parse range: %s", a1)
	}
	return r, nil
}

// parseCell returns the 0-based column and row of a cell reference; either is
// -1 when omitted.
func parseCell(ref string) (int, int, error) {
	i := 0
	col := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		col = col*26 + int(ref[i]-'A'+1)
		i++
	}
	col--

	row := -1
	if i < len(ref) {
		n, err := strconv.Atoi(ref[i:])
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("bad cell reference %q", ref)
		}
		row = n - 1
	}
	if col < 0 && row < 0 {
		return 0, 0, fmt.Errorf("bad cell reference %q", ref)
	}
	return col, row, nil
}

// column returns the letters of a 0-based column index.
func column(idx int) string {
	var b []byte
	for idx >= 0 {
		b = append([]byte{byte('A' + idx%26)}, b...)
		idx = idx/26 - 1
	}
	return string(b)
}

func quote(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func isEmpty(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
