package rule

import (
	"strings"
	"sync"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// locationCache avoids re-reading zoneinfo on every evaluation.
var locationCache sync.Map // name -> *time.Location

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	if loc, ok := locationCache.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locationCache.Store(name, loc)
	return loc, nil
}

// matches reports whether now falls inside every populated part of the
// condition. Days and hours combine conjunctively: a condition naming both
// passes only when the day AND the hour match.
func (tc *TimeCondition) matches(now time.Time) (bool, error) {
	loc, err := loadLocation(tc.Timezone)
	if err != nil {
		return false, err
	}
	local := now.In(loc)

	if len(tc.DaysOfWeek) > 0 {
		ok := false
		for _, name := range tc.DaysOfWeek {
			if day, known := weekdayNames[strings.ToLower(name)]; known && local.Weekday() == day {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}

	if len(tc.HoursOfDay) > 0 {
		ok := false
		for _, hour := range tc.HoursOfDay {
			if local.Hour() == hour {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}

	if dr := tc.DateRange; dr != nil {
		if !dr.Start.IsZero() && local.Before(dr.Start.In(loc)) {
			return false, nil
		}
		if !dr.End.IsZero() && local.After(dr.End.In(loc)) {
			return false, nil
		}
	}

	return true, nil
}
