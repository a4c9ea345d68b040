package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type ValidationKind string

const (
	BadTimestamp   ValidationKind = "bad_timestamp"
	OutOfRange     ValidationKind = "out_of_range"
	NoteTooLong    ValidationKind = "note_too_long"
	BadSleepWindow ValidationKind = "bad_sleep_window"
)

type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s): %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Message)
}

// metricRange bounds a metric to plausible physiological values. Values
// outside the range reject the record rather than being clamped.
type metricRange struct {
	min float64
	max float64
}

var metricRanges = map[string]metricRange{
	"heart_rate":       {20, 250},
	"hrv":              {0, 300},
	"sleep_score":      {0, 100},
	"steps":            {0, 200000},
	"stress_level":     {0, 100},
	"spo2":             {50, 100},
	"resting_hr":       {20, 150},
	"activity_minutes": {0, 1440},
}

// Normalize converts an arbitrary payload into a canonical MetricRecord.
// Unrecognized fields are ignored; malformed numeric fields degrade to
// absent. The returned warnings are non-fatal notes attached to an
// otherwise accepted record.
func Normalize(raw map[string]any) (MetricRecord, []string, error) {
	return NormalizeAt(raw, time.Now().UTC())
}

func NormalizeAt(raw map[string]any, now time.Time) (MetricRecord, []string, error) {
	rec := MetricRecord{
		Timestamp: now,
		Source:    SourceManual,
		Metrics:   make(map[string]*float64, len(MetricKeys)),
	}
	var warnings []string

	if v, ok := raw["timestamp"]; ok {
		ts, err := parseInstant(v)
		if err != nil {
			return MetricRecord{}, nil, &ValidationError{
				Kind:    BadTimestamp,
				Field:   "timestamp",
				Message: err.Error(),
			}
		}
		rec.Timestamp = ts
	}

	if v, ok := raw["source"]; ok {
		rec.Source = parseSource(v)
	}

	for _, key := range MetricKeys {
		value, present := coerceNumeric(raw[key])
		if !present {
			rec.Metrics[key] = nil
			if _, supplied := raw[key]; supplied {
				warnings = append(warnings, fmt.Sprintf("unparseable value for %s ignored", key))
			}
			continue
		}
		bounds := metricRanges[key]
		if value < bounds.min || value > bounds.max {
			return MetricRecord{}, nil, &ValidationError{
				Kind:    OutOfRange,
				Field:   key,
				Message: fmt.Sprintf("%g outside plausible range [%g, %g]", value, bounds.min, bounds.max),
			}
		}
		v := value
		rec.Metrics[key] = &v
	}

	start, startErr := optionalInstant(raw, "sleep_start")
	end, endErr := optionalInstant(raw, "sleep_end")
	switch {
	case startErr != nil || endErr != nil:
		warnings = append(warnings, "sleep window dropped: unparseable boundary")
	case (start == nil) != (end == nil):
		warnings = append(warnings, "sleep window dropped: only one boundary provided")
	case start != nil && end != nil:
		if !start.Before(*end) {
			return MetricRecord{}, nil, &ValidationError{
				Kind:    BadSleepWindow,
				Field:   "sleep_start",
				Message: "sleep_start must precede sleep_end",
			}
		}
		rec.SleepStart = start
		rec.SleepEnd = end
	}

	if v, ok := raw["note"]; ok {
		note, _ := v.(string)
		if len(note) > MaxNoteLength {
			return MetricRecord{}, nil, &ValidationError{
				Kind:    NoteTooLong,
				Field:   "note",
				Message: fmt.Sprintf("note exceeds %d characters", MaxNoteLength),
			}
		}
		rec.Note = note
	}

	return rec, warnings, nil
}

func parseSource(v any) Source {
	s, _ := v.(string)
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceManual:
		return SourceManual
	case SourceDeviceSync:
		return SourceDeviceSync
	default:
		return SourceUnknown
	}
}

func parseInstant(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected ISO-8601 string, got %T", v)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("not a valid ISO-8601 instant: %q", s)
	}
	return ts.UTC(), nil
}

func optionalInstant(raw map[string]any, key string) (*time.Time, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	ts, err := parseInstant(v)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// coerceNumeric accepts the numeric shapes JSON decoding and form-style
// payloads produce. Unparseable values report absent rather than failing.
func coerceNumeric(v any) (float64, bool) {
	switch typed := v.(type) {
	case nil:
		return 0, false
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
