// Package funds implements the fund eligibility evaluator contract. The
// evaluation is simulated: criteria are derived deterministically from the
// fund name and environment so results are stable across calls.
package funds

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"watchtower-go/internal/config"
)

// Status is the overall eligibility outcome for a fund.
type Status string

const (
	Eligible   Status = "Eligible"
	Ineligible Status = "Ineligible"
	Pending    Status = "Pending"
)

// Criterion is one named eligibility check.
type Criterion struct {
	Name   string `json:"name"`
	Met    bool   `json:"met"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of an eligibility evaluation.
type Result struct {
	FundName    string      `json:"fund_name"`
	Environment string      `json:"environment"`
	Status      Status      `json:"status"`
	Criteria    []Criterion `json:"criteria"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// Options tunes a single evaluation.
type Options struct {
	// SkipSettlementCheck drops the settlement-window criterion.
	SkipSettlementCheck bool `json:"skip_settlement_check,omitempty"`
}

// Evaluator runs simulated eligibility checks.
type Evaluator struct {
	environments map[string]struct{}
	latency      time.Duration
	logger       *zap.SugaredLogger
}

// NewEvaluator creates an evaluator that recognizes the given environments.
func NewEvaluator(environments []string, logger *zap.SugaredLogger) *Evaluator {
	envs := make(map[string]struct{}, len(environments))
	for _, e := range environments {
		envs[e] = struct{}{}
	}
	return &Evaluator{
		environments: envs,
		latency:      config.EligibilityCheckLatency,
		logger:       logger,
	}
}

// SetLatency overrides the simulated check latency (used by tests).
func (e *Evaluator) SetLatency(d time.Duration) {
	e.latency = d
}

// CheckEligibility evaluates a fund against the mock criteria after a
// simulated round trip. The context cancels the wait.
func (e *Evaluator) CheckEligibility(ctx context.Context, fundName, environment string, opts Options) (*Result, error) {
	select {
	case <-time.After(e.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	_, knownEnv := e.environments[environment]

	criteria := []Criterion{
		e.registered(fundName),
		e.open(fundName),
		e.environmentApproved(environment, knownEnv),
	}
	if !opts.SkipSettlementCheck {
		criteria = append(criteria, e.settlementWindow(fundName))
	}

	result := &Result{
		FundName:    fundName,
		Environment: environment,
		Status:      overallStatus(criteria, knownEnv),
		Criteria:    criteria,
		CheckedAt:   time.Now(),
	}

	e.logger.Debugw("Eligibility evaluated",
		"fund", fundName,
		"environment", environment,
		"status", result.Status)

	return result, nil
}

func (e *Evaluator) registered(fundName string) Criterion {
	c := Criterion{Name: "fund_registered", Met: fundName != ""}
	if !c.Met {
		c.Reason = "fund name is empty"
	}
	return c
}

func (e *Evaluator) open(fundName string) Criterion {
	c := Criterion{Name: "fund_open", Met: !strings.HasSuffix(strings.ToLower(fundName), "-closed")}
	if !c.Met {
		c.Reason = "fund is closed to new activity"
	}
	return c
}

func (e *Evaluator) environmentApproved(environment string, known bool) Criterion {
	c := Criterion{Name: "environment_approved", Met: known}
	if !known {
		c.Reason = "environment " + environment + " is not approved"
	}
	return c
}

func (e *Evaluator) settlementWindow(fundName string) Criterion {
	// Stand-in for a settlement calendar lookup: funds whose name length
	// is even are "inside" the window.
	c := Criterion{Name: "settlement_window", Met: len(fundName)%2 == 0}
	if !c.Met {
		c.Reason = "outside settlement window"
	}
	return c
}

func overallStatus(criteria []Criterion, knownEnv bool) Status {
	if !knownEnv {
		return Pending
	}
	for _, c := range criteria {
		if !c.Met {
			return Ineligible
		}
	}
	return Eligible
}
