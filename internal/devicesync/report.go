package devicesync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Column positions in the sink row layout.
const (
	colTimestamp  = 0
	colHeartRate  = 1
	colSleepScore = 3
	colSteps      = 4
	colStress     = 5
)

type rollup struct {
	entries    int
	hrSum      float64
	hrCount    int
	sleepSum   float64
	sleepCount int
	stressSum  float64
	stressN    int
	stepsTotal float64
}

func (r *rollup) add(row []string) {
	r.entries++
	if v, ok := cellFloat(row, colHeartRate); ok {
		r.hrSum += v
		r.hrCount++
	}
	if v, ok := cellFloat(row, colSleepScore); ok {
		r.sleepSum += v
		r.sleepCount++
	}
	if v, ok := cellFloat(row, colStress); ok {
		r.stressSum += v
		r.stressN++
	}
	if v, ok := cellFloat(row, colSteps); ok {
		r.stepsTotal += v
	}
}

func (r *rollup) lines() []string {
	lines := []string{fmt.Sprintf("Entries: %d", r.entries)}
	if r.hrCount > 0 {
		lines = append(lines, fmt.Sprintf("Avg heart rate: %.0f bpm", r.hrSum/float64(r.hrCount)))
	}
	if r.sleepCount > 0 {
		lines = append(lines, fmt.Sprintf("Avg sleep score: %.0f", r.sleepSum/float64(r.sleepCount)))
	}
	if r.stressN > 0 {
		lines = append(lines, fmt.Sprintf("Avg stress: %.0f", r.stressSum/float64(r.stressN)))
	}
	lines = append(lines, fmt.Sprintf("Total steps: %.0f", r.stepsTotal))
	return lines
}

// BuildDailySummary aggregates the rows recorded on the given UTC day.
// Returns false when the day has no rows (header rows and rows with
// unparseable timestamps are skipped).
func BuildDailySummary(rows [][]string, day time.Time) (string, bool) {
	var agg rollup
	dayStart := day.UTC().Truncate(24 * time.Hour)
	for _, row := range rows {
		ts, ok := rowTimestamp(row)
		if !ok || !ts.Truncate(24*time.Hour).Equal(dayStart) {
			continue
		}
		agg.add(row)
	}
	if agg.entries == 0 {
		return "", false
	}
	lines := append([]string{fmt.Sprintf("Health summary for %s", dayStart.Format("2006-01-02"))}, agg.lines()...)
	return strings.Join(lines, "\n"), true
}

// BuildWeeklyReport aggregates the seven days ending at the given instant.
func BuildWeeklyReport(rows [][]string, end time.Time) (string, bool) {
	end = end.UTC()
	start := end.AddDate(0, 0, -7)
	var agg rollup
	perDay := map[string]int{}
	for _, row := range rows {
		ts, ok := rowTimestamp(row)
		if !ok || ts.Before(start) || ts.After(end) {
			continue
		}
		agg.add(row)
		perDay[ts.Format("2006-01-02")]++
	}
	if agg.entries == 0 {
		return "", false
	}
	lines := []string{
		fmt.Sprintf("Weekly report %s to %s", start.Format("2006-01-02"), end.Format("2006-01-02")),
		fmt.Sprintf("Active days: %d of 7", len(perDay)),
	}
	lines = append(lines, agg.lines()...)
	return strings.Join(lines, "\n"), true
}

func rowTimestamp(row []string) (time.Time, bool) {
	if len(row) <= colTimestamp {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(row[colTimestamp]))
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func cellFloat(row []string, col int) (float64, bool) {
	if len(row) <= col {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
