// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package lookup

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// sheetName is the tab all ranges refer to. The dataset lives on the first,
// default-named tab of the spreadsheet.
const sheetName = "Sheet1"

// maxColumns caps how many columns of a data row are fetched and shown.
const maxColumns = 4

// columnKeywords mark the header of the identifier column.
var columnKeywords = []string{"client", "number", "id", "code"}

// Index maps normalized client identifiers to spreadsheet row numbers.
//
// Rows are numbered the way the Sheets API numbers them: 1 is the header row,
// data rows start at 2. When two rows share an identifier, the later row wins.
type Index struct {
	BuiltAt time.Time      `json:"built_at"`
	Column  int            `json:"column"`
	Headers []string       `json:"headers"`
	Entries map[string]int `json:"entries"`
}

// Normalize reduces a client identifier to its canonical form: ASCII digits
// only, with leading zeros stripped. It returns an empty string when s
// contains no usable digits.
func Normalize(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// detectColumn picks the identifier column from the header row: the first
// header whose text contains one of columnKeywords, falling back to column A.
func detectColumn(headers []string) int {
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, kw := range columnKeywords {
			if strings.Contains(h, kw) {
				return i
			}
		}
	}
	return 0
}

func columnLetter(i int) string { return string(rune('A' + i)) }

func (s *Service) buildIndex(ctx context.Context) (*Index, error) {
	headers, err := s.Sheets.Values(ctx, s.SpreadsheetID, sheetName+"!1:1")
	if err != nil {
		return nil, fmt.Errorf("%w: fetching header row: %w", ErrUnavailable, err)
	}
	if len(headers) == 0 || len(headers[0]) == 0 {
		return nil, fmt.Errorf("%w: spreadsheet has no header row", ErrUnavailable)
	}

	col := detectColumn(headers[0])
	letter := columnLetter(col)
	vals, err := s.Sheets.Values(ctx, s.SpreadsheetID, fmt.Sprintf("%s!%s2:%s", sheetName, letter, letter))
	if err != nil {
		return nil, fmt.Errorf("%w: fetching identifier column: %w", ErrUnavailable, err)
	}

	idx := &Index{
		BuiltAt: time.Now(),
		Column:  col,
		Headers: headers[0],
		Entries: make(map[string]int, len(vals)),
	}
	for i, row := range vals {
		if len(row) == 0 {
			continue
		}
		norm := Normalize(row[0])
		if norm == "" {
			continue
		}
		idx.Entries[norm] = i + 2
	}

	// The row count comes from column A so rows with an empty identifier
	// cell still count toward the total.
	if rows, err := s.Sheets.Values(ctx, s.SpreadsheetID, sheetName+"!A:A"); err == nil {
		s.clients.Store(int64(max(0, len(rows)-1)))
	}

	return idx, nil
}

// suffixMatch finds entries whose identifier ends in norm, for queries that
// omit a country code or prefix the sheet stores. The earliest matching row
// wins.
func (idx *Index) suffixMatch(norm string) (rowNum int, ok bool) {
	for key, r := range idx.Entries {
		if !strings.HasSuffix(key, norm) {
			continue
		}
		if rowNum == 0 || r < rowNum {
			rowNum = r
		}
	}
	return rowNum, rowNum != 0
}
