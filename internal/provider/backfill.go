package provider

import "time"

// DefaultBackfillMonths is how many months of history a first check requests.
const DefaultBackfillMonths = 6

// BackfillDates returns the 1st of each of the `months` calendar months
// before now's month, oldest first.
func BackfillDates(now time.Time, months int) []time.Time {
	if months <= 0 {
		return nil
	}
	y, m, _ := now.UTC().Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, 0, months)
	for i := months; i >= 1; i-- {
		dates = append(dates, first.AddDate(0, -i, 0))
	}
	return dates
}
