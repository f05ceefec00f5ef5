package handover

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teemow/handovermail/internal/logging"
)

// Column positions in the source sheet.
const (
	ColDate = iota
	ColTrip
	ColSubject
	ColCc
	ColRecipient
	ColHub
	ColWindow
	ColScheduledTime
	ColRequestedQty
	ColActualQty
	ColFileLink
	ColSendFlag
)

// SourceColumns is the number of columns read from the source sheet (A:L).
const SourceColumns = ColSendFlag + 1

// Record is one flagged row queued for sending.
type Record struct {
	// RowIndex is the 1-based position of the row within the slice passed to
	// ParseRows, not the absolute sheet row. See SheetRow.
	RowIndex int

	Date          string
	Trip          string
	Subject       string
	Cc            string
	Recipient     string
	Hub           string
	Window        string
	ScheduledTime string
	// DisplayTime is ScheduledTime normalized to DD/MM/YYYY HH:MM:SS, or
	// Window when no scheduled time was entered.
	DisplayTime  string
	RequestedQty string
	ActualQty    string
	FileLink     string

	// Raw is the row exactly as read, archived verbatim.
	Raw []string
}

// SheetRow converts RowIndex into the absolute 1-based sheet row, given the
// sheet row the read range started at.
func (r Record) SheetRow(startRow int) int {
	return r.RowIndex + startRow - 1
}

// IsFlagged reports whether the row's send flag cell is TRUE.
func IsFlagged(row []string) bool {
	return len(row) > ColSendFlag && strings.ToUpper(strings.TrimSpace(row[ColSendFlag])) == "TRUE"
}

// ParseRows returns a Record for every flagged row. A row that cannot be
// parsed is logged and skipped; it never affects the other rows.
func ParseRows(rows [][]string, logger *slog.Logger) []Record {
	if logger == nil {
		logger = slog.Default()
	}

	var records []Record
	for i, row := range rows {
		rec, ok, err := parseRow(i+1, row)
		if err != nil {
			logger.Warn("skipping malformed row", logging.Row(i+1), logging.Err(err))
			continue
		}
		if ok {
			records = append(records, rec)
		}
	}
	return records
}

func parseRow(index int, row []string) (rec Record, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("row %d: %v", index, r)
			ok = false
		}
	}()

	if !IsFlagged(row) {
		return Record{}, false, nil
	}

	raw := make([]string, len(row))
	copy(raw, row)

	rec = Record{
		RowIndex:      index,
		Date:          cell(row, ColDate),
		Trip:          cell(row, ColTrip),
		Subject:       cell(row, ColSubject),
		Cc:            cell(row, ColCc),
		Recipient:     cell(row, ColRecipient),
		Hub:           cell(row, ColHub),
		Window:        cell(row, ColWindow),
		ScheduledTime: cell(row, ColScheduledTime),
		RequestedQty:  cell(row, ColRequestedQty),
		ActualQty:     cell(row, ColActualQty),
		FileLink:      strings.TrimSpace(cell(row, ColFileLink)),
		Raw:           raw,
	}
	rec.DisplayTime = NormalizeTime(rec.ScheduledTime)
	if strings.TrimSpace(rec.DisplayTime) == "" {
		rec.DisplayTime = rec.Window
	}
	return rec, true, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

const displayLayout = "02/01/2006 15:04:05"

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	displayLayout,
}

// NormalizeTime rewrites YYYY-MM-DD HH:MM:SS or DD/MM/YYYY HH:MM:SS as
// DD/MM/YYYY HH:MM:SS. Any other input is returned unchanged.
func NormalizeTime(s string) string {
	v := strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(displayLayout)
		}
	}
	return s
}
