package closing

import (
	"iter"

	"fechamento/internal/core"
)

// SeriesRange is the date range a snapshot must cover for Series over year.
func SeriesRange(year int) core.DateRange {
	return core.DateRange{
		From: SnapshotRange(year, 1).From,
		To:   core.MonthRange(year, 12).To,
	}
}

// Months returns how many months of year have started on today: 12 for past
// years, the current month for this year, 0 for future years.
func Months(year int, today core.Date) int {
	switch {
	case year < today.Year():
		return 12
	case year == today.Year():
		return today.Month()
	default:
		return 0
	}
}

// Series yields the closing of every month of year from January, stopping
// at the month of today. Each month is computed independently from snap, so
// the sequence can be ranged over again with the same result.
func Series(snap core.Snapshot, year int, today core.Date) iter.Seq2[MonthlyClosing, error] {
	last := Months(year, today)
	return func(yield func(MonthlyClosing, error) bool) {
		for month := 1; month <= last; month++ {
			if !yield(Compute(snap, year, month)) {
				return
			}
		}
	}
}
