package sheets

import (
	"fmt"
	"strconv"
	"strings"
)

// A1 returns the range rng (e.g. "A3:L") on the sheet titled title, quoting
// the title as A1 notation requires.
func A1(title, rng string) string {
	quoted := "'" + strings.ReplaceAll(title, "'", "''") + "'"
	if rng == "" {
		return quoted
	}
	return quoted + "!" + rng
}

// StartRow returns the 1-based row of the first cell of an A1 range such as
// "'send_email'!A5:N14".
func StartRow(a1Range string) (int, error) {
	cells := a1Range
	if i := strings.LastIndex(cells, "!"); i >= 0 {
		cells = cells[i+1:]
	}
	first, _, _ := strings.Cut(cells, ":")
	digits := strings.TrimLeft(first, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz$")
	row, err := strconv.Atoi(digits)
	if err != nil || row < 1 {
		return 0, fmt.Errorf("range %q has no start row", a1Range)
	}
	return row, nil
}
