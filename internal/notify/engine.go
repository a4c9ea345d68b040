package notify

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/biopulse/vitalsink/internal/record"
)

type Kind string

const (
	KindAlert        Kind = "alert"
	KindDailySummary Kind = "daily-summary"
	KindWeeklyReport Kind = "weekly-report"
	KindGoalAchieved Kind = "goal-achieved"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Intent is a notification the core wants delivered. The core never
// persists intents; delivery and any replay are the dispatcher's problem.
type Intent struct {
	ID          string
	Kind        Kind
	Rule        string
	Severity    Severity
	Message     string
	Payload     map[string]any
	TriggeredBy string
	TriggeredAt time.Time
}

// Rule is one configured threshold over a single metric. A rule with both
// bounds unset is inert and skipped at evaluation time.
type Rule struct {
	Name     string
	Metric   string
	Above    *float64
	Below    *float64
	Severity Severity
	Message  string
}

type Engine struct {
	rules    []Rule
	stepGoal float64
}

// NewEngine builds a threshold evaluator. stepGoal <= 0 disables the
// daily step goal rule.
func NewEngine(rules []Rule, stepGoal float64) *Engine {
	return &Engine{rules: rules, stepGoal: stepGoal}
}

// Evaluate checks a record against every configured rule. A rule whose
// metric is absent from the record is skipped, not errored, so one sparse
// submission cannot suppress unrelated alerts.
func (e *Engine) Evaluate(rec record.MetricRecord) []Intent {
	if e == nil {
		return nil
	}
	key := record.DeriveKey(rec)
	var intents []Intent

	for _, rule := range e.rules {
		if rule.Metric == "" || (rule.Above == nil && rule.Below == nil) {
			log.Printf("[notify] skipping inert rule %q", rule.Name)
			continue
		}
		value, ok := rec.Metric(rule.Metric)
		if !ok {
			continue
		}
		triggered := (rule.Above != nil && value > *rule.Above) ||
			(rule.Below != nil && value < *rule.Below)
		if !triggered {
			continue
		}
		severity := rule.Severity
		if severity == "" {
			severity = SeverityWarning
		}
		message := rule.Message
		if message == "" {
			message = fmt.Sprintf("%s is %g", rule.Metric, value)
		}
		intents = append(intents, Intent{
			ID:       uuid.NewString(),
			Kind:     KindAlert,
			Rule:     rule.Name,
			Severity: severity,
			Message:  message,
			Payload: map[string]any{
				"metric": rule.Metric,
				"value":  value,
			},
			TriggeredBy: key,
			TriggeredAt: rec.Timestamp,
		})
	}

	if e.stepGoal > 0 {
		if steps, ok := rec.Metric("steps"); ok && steps >= e.stepGoal {
			intents = append(intents, Intent{
				ID:       uuid.NewString(),
				Kind:     KindGoalAchieved,
				Rule:     "daily_step_goal",
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("Daily step goal reached: %.0f of %.0f steps", steps, e.stepGoal),
				Payload: map[string]any{
					"metric": "steps",
					"value":  steps,
					"goal":   e.stepGoal,
				},
				TriggeredBy: key,
				TriggeredAt: rec.Timestamp,
			})
		}
	}

	return intents
}
