package store

// MaxChecksPerDay is the number of check slots per unit per day.
const MaxChecksPerDay = 10

// PreviousChecksShown is how many leading slots CheckInfo reports.
const PreviousChecksShown = 3

// ZeroRunToComplete is how many consecutive not-found checks close a unit for the day.
const ZeroRunToComplete = 3

// Checks holds one day's slots for a unit. A nil slot is unused.
type Checks [MaxChecksPerDay]*int

// NextSlot returns the 1-based number of the first unused slot, or 0 when all are used.
func (c Checks) NextSlot() int {
	for i, v := range c {
		if v == nil {
			return i + 1
		}
	}
	return 0
}

// Count returns how many slots are used.
func (c Checks) Count() int {
	n := 0
	for _, v := range c {
		if v != nil {
			n++
		}
	}
	return n
}

// Values returns the used slots in order.
func (c Checks) Values() []int {
	out := make([]int, 0, MaxChecksPerDay)
	for _, v := range c {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// Leading returns the used values among the first n slots.
func (c Checks) Leading(n int) []int {
	out := make([]int, 0, n)
	for i := 0; i < n && i < len(c); i++ {
		if c[i] != nil {
			out = append(out, *c[i])
		}
	}
	return out
}

// RankStats is computed over checks that found the product (rank > 0).
type RankStats struct {
	Min *int
	Max *int
	Avg *float64
}

// Stats summarizes the non-zero checks. All fields are nil when nothing was found.
func (c Checks) Stats() RankStats {
	var (
		stats RankStats
		sum   int
		n     int
	)
	for _, v := range c {
		if v == nil || *v <= 0 {
			continue
		}
		rank := *v
		if stats.Min == nil || rank < *stats.Min {
			stats.Min = &rank
		}
		if stats.Max == nil || rank > *stats.Max {
			stats.Max = &rank
		}
		sum += rank
		n++
	}
	if n > 0 {
		avg := float64(sum) / float64(n)
		stats.Avg = &avg
	}
	return stats
}

// CompletedAt returns the slot number at which a run of ZeroRunToComplete zero
// results was first reached, or 0 when there is no such run. A found rank resets the run.
func (c Checks) CompletedAt() int {
	run := 0
	for i, v := range c {
		if v == nil {
			continue
		}
		if *v != 0 {
			run = 0
			continue
		}
		run++
		if run >= ZeroRunToComplete {
			return i + 1
		}
	}
	return 0
}
