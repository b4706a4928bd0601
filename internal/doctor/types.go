package doctor

import (
	"context"
)

// Category groups related checks.
type Category string

const (
	CategoryConfig Category = "config"
	CategoryWallet Category = "wallet"
	CategoryAPI    Category = "api"
	CategorySystem Category = "system"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// CheckResult represents the result of a single check
type CheckResult struct {
	Name       string   `json:"name"`
	Category   Category `json:"category"`
	Status     Status   `json:"status"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	FixCommand string   `json:"fix_command,omitempty"`
}

// Checker is implemented by every check.
type Checker interface {
	// Name returns the display name of the checker
	Name() string
	Category() Category
	Check(ctx context.Context) CheckResult
}

// Options configures a doctor run.
type Options struct {
	// JSON prints the report as JSON instead of progress lines
	JSON bool
	// Category restricts the run to one category
	Category Category
}

// Report is the complete result of a run.
type Report struct {
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Summary provides an overview of the check results
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Warned  int `json:"warned"`
	Skipped int `json:"skipped"`
}

// IsHealthy reports whether no check failed.
func (s Summary) IsHealthy() bool {
	return s.Failed == 0
}
