package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMinimalPayload(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{
		"heart_rate": float64(72),
		"steps":      float64(8000),
		"timestamp":  "2025-01-01T09:00:00Z",
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, SourceManual, rec.Source)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Nil(t, rec.SleepStart)
	assert.Nil(t, rec.SleepEnd)

	hr, ok := rec.Metric("heart_rate")
	require.True(t, ok)
	assert.Equal(t, 72.0, hr)
	steps, ok := rec.Metric("steps")
	require.True(t, ok)
	assert.Equal(t, 8000.0, steps)

	for _, key := range []string{"hrv", "sleep_score", "stress_level", "spo2", "resting_hr", "activity_minutes"} {
		_, ok := rec.Metric(key)
		assert.False(t, ok, "expected %s absent", key)
	}
}

func TestNormalizeAlwaysCarriesFullMetricSet(t *testing.T) {
	rec, _, err := Normalize(map[string]any{"spo2": "97.5"})
	require.NoError(t, err)
	assert.Len(t, rec.Metrics, len(MetricKeys))
	for _, key := range MetricKeys {
		_, present := rec.Metrics[key]
		assert.True(t, present, "metric map missing key %s", key)
	}
}

func TestNormalizeRowLayout(t *testing.T) {
	rec, _, err := Normalize(map[string]any{
		"heart_rate": float64(72),
		"steps":      float64(8000),
		"timestamp":  "2025-01-01T09:00:00Z",
	})
	require.NoError(t, err)

	row := rec.Row()
	require.Len(t, row, 13)
	assert.Equal(t, []any{
		"2025-01-01T09:00:00Z", 72.0, "", "", 8000.0, "", "", "", "", "", "", "", "manual",
	}, row)
}

func TestNormalizeCoercesNumericStrings(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{
		"heart_rate":   "64",
		"stress_level": " 31.5 ",
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	hr, ok := rec.Metric("heart_rate")
	require.True(t, ok)
	assert.Equal(t, 64.0, hr)
	stress, ok := rec.Metric("stress_level")
	require.True(t, ok)
	assert.Equal(t, 31.5, stress)
}

func TestNormalizeUnparseableMetricDegradesToAbsent(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{"heart_rate": "sixty"})
	require.NoError(t, err)
	_, ok := rec.Metric("heart_rate")
	assert.False(t, ok)
	assert.Len(t, warnings, 1)
}

func TestNormalizeRejectsBadTimestamp(t *testing.T) {
	_, _, err := Normalize(map[string]any{"timestamp": "not-a-date"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, BadTimestamp, verr.Kind)
}

func TestNormalizeDefaultsTimestampToIngestionTime(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	rec, _, err := NormalizeAt(map[string]any{"steps": float64(100)}, now)
	require.NoError(t, err)
	assert.Equal(t, now, rec.Timestamp)
}

func TestNormalizeIgnoresUnrecognizedFields(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{
		"steps":       float64(500),
		"shoe_size":   float64(43),
		"device_name": "pulsewatch-3",
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	_, present := rec.Metrics["shoe_size"]
	assert.False(t, present)
}

func TestNormalizeRejectsOutOfRangeMetric(t *testing.T) {
	_, _, err := Normalize(map[string]any{"heart_rate": float64(900)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, OutOfRange, verr.Kind)
	assert.Equal(t, "heart_rate", verr.Field)
}

func TestNormalizeSleepWindow(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{
		"sleep_start": "2025-01-01T22:30:00Z",
		"sleep_end":   "2025-01-02T06:15:00Z",
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.NotNil(t, rec.SleepStart)
	require.NotNil(t, rec.SleepEnd)
	assert.True(t, rec.SleepStart.Before(*rec.SleepEnd))
}

func TestNormalizeHalfSleepWindowDroppedWithWarning(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{
		"sleep_start": "2025-01-01T22:30:00Z",
	})
	require.NoError(t, err)
	assert.Nil(t, rec.SleepStart)
	assert.Nil(t, rec.SleepEnd)
	assert.Len(t, warnings, 1)
}

func TestNormalizeUnparseableSleepBoundaryDropsWindow(t *testing.T) {
	rec, warnings, err := Normalize(map[string]any{
		"sleep_start": "last night",
		"sleep_end":   "2025-01-02T06:15:00Z",
	})
	require.NoError(t, err)
	assert.Nil(t, rec.SleepStart)
	assert.Nil(t, rec.SleepEnd)
	assert.NotEmpty(t, warnings)
}

func TestNormalizeRejectsInvertedSleepWindow(t *testing.T) {
	_, _, err := Normalize(map[string]any{
		"sleep_start": "2025-01-02T06:15:00Z",
		"sleep_end":   "2025-01-01T22:30:00Z",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, BadSleepWindow, verr.Kind)
}

func TestNormalizeRejectsOversizedNote(t *testing.T) {
	long := make([]byte, MaxNoteLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, _, err := Normalize(map[string]any{"note": string(long)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, NoteTooLong, verr.Kind)
}

func TestNormalizeSourceEnum(t *testing.T) {
	rec, _, err := Normalize(map[string]any{"source": "device-sync"})
	require.NoError(t, err)
	assert.Equal(t, SourceDeviceSync, rec.Source)

	rec, _, err = Normalize(map[string]any{"source": "fitbit-export"})
	require.NoError(t, err)
	assert.Equal(t, SourceUnknown, rec.Source)
}
