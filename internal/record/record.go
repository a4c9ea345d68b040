package record

import (
	"time"
)

type Source string

const (
	SourceManual     Source = "manual"
	SourceDeviceSync Source = "device-sync"
	SourceUnknown    Source = "unknown"
)

// MetricKeys is the fixed set of metric names a record carries, in sink
// column order. Every normalized record holds an entry for each key so the
// sink always receives the same column layout.
var MetricKeys = []string{
	"heart_rate",
	"hrv",
	"sleep_score",
	"steps",
	"stress_level",
	"spo2",
	"resting_hr",
	"activity_minutes",
}

const MaxNoteLength = 500

// MetricRecord is the canonical shape of one health data point. Records are
// immutable once produced by Normalize.
type MetricRecord struct {
	Timestamp  time.Time
	Source     Source
	Metrics    map[string]*float64
	SleepStart *time.Time
	SleepEnd   *time.Time
	Note       string
}

// Metric returns the value for a known metric key, or false when absent.
func (r MetricRecord) Metric(key string) (float64, bool) {
	v, ok := r.Metrics[key]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Row renders the record as the fixed 13-column sink layout:
// Timestamp, Heart_Rate, HRV, Sleep_Score, Steps, Stress_Level, SpO2,
// Resting_HR, Sleep_Start, Sleep_End, Activity_Minutes, Notes, Data_Source.
// Absent values render as empty strings so column positions never shift.
func (r MetricRecord) Row() []any {
	row := make([]any, 0, 13)
	row = append(row, r.Timestamp.UTC().Format(time.RFC3339))
	for _, key := range []string{"heart_rate", "hrv", "sleep_score", "steps", "stress_level", "spo2", "resting_hr"} {
		row = append(row, r.cell(key))
	}
	row = append(row, formatInstant(r.SleepStart), formatInstant(r.SleepEnd))
	row = append(row, r.cell("activity_minutes"), r.Note, string(r.Source))
	return row
}

func (r MetricRecord) cell(key string) any {
	if v, ok := r.Metric(key); ok {
		return v
	}
	return ""
}

func formatInstant(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
