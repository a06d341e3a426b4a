package quota

import (
	"time"

	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// NextReset returns the start of the period following now, in UTC: the next
// midnight, the first of next month or January 1st of next year.
func NextReset(period models.QuotaPeriod, now time.Time) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	switch period {
	case models.QuotaDaily:
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	case models.QuotaYearly:
		return time.Date(y+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	}
}
