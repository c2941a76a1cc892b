// Package approval surfaces the pricing service's approval and confidence verdict.
// The verdict is owned by the service; nothing here recomputes or bypasses it.
package approval

import (
	"strings"

	"quote-cpq/decision/preview"
	"quote-cpq/pkg/confidence"
)

// Decision mirrors the advisory outcome shown next to a price.
type Decision string

const (
	DecisionPass    Decision = "pass"
	DecisionReview  Decision = "review"
	DecisionPending Decision = "pending"
)

// GateState is the render-ready verdict for one preview.
type GateState struct {
	RequiresApproval bool             `json:"requiresApproval"`
	ApprovalReason   *string          `json:"approvalReason"`
	ConfidenceLevel  confidence.Level `json:"confidenceLevel"`
	Decision         Decision         `json:"decision"`
	ConfidenceStyle  string           `json:"confidenceStyle"`
}

// Derive reads the gate fields of a preview result. A nil result yields the
// pending state.
func Derive(result *preview.Result) GateState {
	if result == nil {
		return GateState{Decision: DecisionPending, ConfidenceStyle: confidence.Unknown.Style()}
	}

	state := GateState{
		RequiresApproval: result.RequiresApproval,
		ConfidenceLevel:  result.ConfidenceLevel,
		ConfidenceStyle:  result.ConfidenceLevel.Style(),
		Decision:         DecisionPass,
	}
	if result.ApprovalReason != nil {
		reason := *result.ApprovalReason
		state.ApprovalReason = &reason
	}
	if state.RequiresApproval {
		state.Decision = DecisionReview
	}
	return state
}

// Advisory is the text that has to be shown before the configuration is saved.
// It is empty when no approval is required.
func (g GateState) Advisory() string {
	if !g.RequiresApproval {
		return ""
	}
	if g.ApprovalReason != nil && strings.TrimSpace(*g.ApprovalReason) != "" {
		return *g.ApprovalReason
	}
	return "This configuration requires approval."
}
