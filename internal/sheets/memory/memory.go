// Package memory keeps exported closings in process, for tests and the
// demo backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"fechamento/internal/closing"
	ports "fechamento/internal/sheets"
)

var _ ports.ReportWriter = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	base   string
	sheets map[string][][]any
	writes int
}

func New(sheetBase string) *Store {
	return &Store{base: sheetBase, sheets: map[string][][]any{}}
}

// WriteClosing stores the rendered rows under the month's tab title.
func (s *Store) WriteClosing(_ context.Context, c closing.MonthlyClosing) (string, error) {
	if c.Month < 1 || c.Month > 12 {
		return "", fmt.Errorf("invalid month: %d", c.Month)
	}
	title := ports.SheetTitle(s.base, c.Year, c.Month)
	rows := ports.Rows(c)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sheets[title] = rows
	s.writes++
	return fmt.Sprintf("mem:%s!A1:I%d", title, len(rows)), nil
}

// Sheet returns a copy of the rows last written to title.
func (s *Store) Sheet(title string) ([][]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.sheets[title]
	if !ok {
		return nil, false
	}
	return append([][]any(nil), rows...), true
}

// Writes counts WriteClosing calls, overwrites included.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
