package handover

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flaggedRow(n int, flag string) []string {
	return []string{
		"2024-05-01",
		fmt.Sprintf("LT%03d", n),
		fmt.Sprintf("[SOC] Handover %d", n),
		"cc@example.com",
		fmt.Sprintf("hub%d@example.com", n),
		fmt.Sprintf("HUB-%d", n),
		"08:00-10:00",
		"2024-05-01 08:30:00",
		"12",
		"340",
		fmt.Sprintf("https://docs.google.com/spreadsheets/d/file%d/edit", n),
		flag,
	}
}

func TestParseRows_FlagSelection(t *testing.T) {
	tests := []struct {
		name string
		flag string
		want bool
	}{
		{"upper", "TRUE", true},
		{"lower", "true", true},
		{"padded", "  True ", true},
		{"false", "FALSE", false},
		{"empty", "", false},
		{"yes", "yes", false},
		{"one", "1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := ParseRows([][]string{flaggedRow(1, tt.flag)}, nil)
			assert.Equal(t, tt.want, len(records) == 1)
		})
	}
}

func TestParseRows_Fields(t *testing.T) {
	records := ParseRows([][]string{flaggedRow(4, "TRUE")}, nil)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, 1, rec.RowIndex)
	assert.Equal(t, "LT004", rec.Trip)
	assert.Equal(t, "[SOC] Handover 4", rec.Subject)
	assert.Equal(t, "cc@example.com", rec.Cc)
	assert.Equal(t, "hub4@example.com", rec.Recipient)
	assert.Equal(t, "HUB-4", rec.Hub)
	assert.Equal(t, "2024-05-01 08:30:00", rec.ScheduledTime)
	assert.Equal(t, "01/05/2024 08:30:00", rec.DisplayTime)
	assert.Equal(t, "12", rec.RequestedQty)
	assert.Equal(t, "340", rec.ActualQty)
	assert.Equal(t, "https://docs.google.com/spreadsheets/d/file4/edit", rec.FileLink)
	assert.Equal(t, flaggedRow(4, "TRUE"), rec.Raw)
}

func TestParseRows_IsolatesMalformedRows(t *testing.T) {
	rows := [][]string{
		flaggedRow(1, "TRUE"),
		nil,
		{"only", "three", "cells"},
		{"", "", "", "", "", "", "", "", "", "", "", "TRUEISH"},
		flaggedRow(2, "FALSE"),
		flaggedRow(3, "TRUE"),
	}

	records := ParseRows(rows, nil)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].RowIndex)
	assert.Equal(t, 6, records[1].RowIndex)
	assert.Equal(t, "LT003", records[1].Trip)
}

func TestParseRows_SparseFlaggedRowDefaultsToEmpty(t *testing.T) {
	row := make([]string, SourceColumns)
	row[ColSubject] = "Only a subject"
	row[ColSendFlag] = "TRUE"

	records := ParseRows([][]string{row}, nil)
	require.Len(t, records, 1)
	assert.Equal(t, "Only a subject", records[0].Subject)
	assert.Equal(t, "", records[0].Recipient)
	assert.Equal(t, "", records[0].DisplayTime)
}

func TestParseRows_DisplayTimeFallsBackToWindow(t *testing.T) {
	row := flaggedRow(1, "TRUE")
	row[ColScheduledTime] = ""

	records := ParseRows([][]string{row}, nil)
	require.Len(t, records, 1)
	assert.Equal(t, "08:00-10:00", records[0].DisplayTime)
}

func TestParseRows_RawIsACopy(t *testing.T) {
	row := flaggedRow(1, "TRUE")
	records := ParseRows([][]string{row}, nil)
	require.Len(t, records, 1)

	row[ColTrip] = "mutated"
	assert.Equal(t, "LT001", records[0].Raw[ColTrip])
}

func TestRecord_SheetRow(t *testing.T) {
	rec := Record{RowIndex: 1}
	assert.Equal(t, 3, rec.SheetRow(3))

	rec.RowIndex = 5
	assert.Equal(t, 7, rec.SheetRow(3))
	assert.Equal(t, 5, rec.SheetRow(1))
}

func TestNormalizeTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-05-01 08:30:00", "01/05/2024 08:30:00"},
		{"01/05/2024 08:30:00", "01/05/2024 08:30:00"},
		{" 2024-12-31 23:59:59 ", "31/12/2024 23:59:59"},
		{"2024-05-01", "2024-05-01"},
		{"8h30 sáng", "8h30 sáng"},
		{"2024-13-01 08:30:00", "2024-13-01 08:30:00"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTime(tt.in))
		})
	}
}
