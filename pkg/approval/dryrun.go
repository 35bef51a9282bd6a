package approval

import (
	"encoding/json"

	"adgov/pkg/models"
)

// DryRunBuilder accumulates a mutation preview. Build returns an independent
// copy, so one builder can stamp out several results.
type DryRunBuilder struct {
	res models.DryRunResult
}

func NewDryRun() *DryRunBuilder {
	return &DryRunBuilder{res: models.DryRunResult{WouldSucceed: true, RiskLevel: models.RiskLow}}
}

func (b *DryRunBuilder) AddChange(change string) *DryRunBuilder {
	b.res.Changes = append(b.res.Changes, change)
	return b
}

func (b *DryRunBuilder) AddWarning(warning string) *DryRunBuilder {
	b.res.Warnings = append(b.res.Warnings, warning)
	return b
}

func (b *DryRunBuilder) RiskLevel(level string) *DryRunBuilder {
	switch level {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		b.res.RiskLevel = level
	}
	return b
}

func (b *DryRunBuilder) EstimatedImpact(impact string) *DryRunBuilder {
	b.res.EstimatedImpact = impact
	return b
}

func (b *DryRunBuilder) ExpectedResult(v interface{}) *DryRunBuilder {
	raw, err := json.Marshal(v)
	if err == nil {
		b.res.ExpectedResult = raw
	}
	return b
}

func (b *DryRunBuilder) WouldFail() *DryRunBuilder {
	b.res.WouldSucceed = false
	return b
}

func (b *DryRunBuilder) Build() models.DryRunResult {
	out := b.res
	out.Changes = append([]string(nil), b.res.Changes...)
	out.Warnings = append([]string(nil), b.res.Warnings...)
	out.ExpectedResult = append(json.RawMessage(nil), b.res.ExpectedResult...)
	return out
}

// AssessRisk derives a risk level from the shape of a preview: a failing
// preview or a wide change set is high, anything with warnings is at least
// medium.
func AssessRisk(d models.DryRunResult) string {
	if !d.WouldSucceed || len(d.Warnings) >= 2 || len(d.Changes) > 10 {
		return models.RiskHigh
	}
	if len(d.Warnings) == 1 || len(d.Changes) > 3 {
		return models.RiskMedium
	}
	return models.RiskLow
}
