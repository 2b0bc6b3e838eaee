package models

import "time"

// RiskLevel grades a security decision.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuditEntry records one security decision.
type AuditEntry struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	Principal        string         `json:"principal"`
	Action           string         `json:"action"`
	Resource         string         `json:"resource"`
	Allowed          bool           `json:"allowed"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Reason           string         `json:"reason"`
	Risk             RiskLevel      `json:"risk"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}
