package orchestrator

import (
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// NeedsRun reports whether stage has work: its target max date is behind the
// calendar max, or the caller forces a restart. An empty target always needs
// a run. Only work stages ever run.
func NeedsRun(stage types.Stage, calendarMax, targetMax time.Time, restart bool) bool {
	switch stage {
	case types.StageCalendar, types.StageIngest, types.StageCompleteness, types.StageImpute, types.StageCalc:
	default:
		return false
	}
	if restart || targetMax.IsZero() {
		return true
	}
	return targetMax.Before(calendarMax)
}

// PlanEntry is one stage's scheduling decision.
type PlanEntry struct {
	Stage       types.Stage `json:"stage"`
	NeedsRun    bool        `json:"needsRun"`
	CalendarMax time.Time   `json:"calendarMax"`
	TargetMax   time.Time   `json:"targetMax"`
}

// targets returns the (calendar max, target max) pair each stage is judged by.
// The calendar stage compares the stored calendar against the expected session.
func targets(stage types.Stage, maxes types.TableMaxDates, expected time.Time) (time.Time, time.Time) {
	switch stage {
	case types.StageCalendar:
		return expected, maxes.Calendar
	case types.StageIngest:
		return maxes.Calendar, earlier(maxes.Canonical, maxes.Levels)
	default:
		return maxes.Calendar, maxes.Levels
	}
}

func earlier(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
