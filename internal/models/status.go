package models

// Well-known derivation status names. The authoritative set lives in the
// derivation_statuses table, seeded from the embedded catalog; these
// constants only name the rows the engine interacts with directly.
const (
	StatusPending        = "pending"
	StatusEvaluating     = "evaluating"
	StatusDryRunComplete = "dry-run-complete"
	StatusEvalFailed     = "eval-failed"
	StatusBuildPending   = "build-pending"
	StatusBuildComplete  = "build-complete"
	StatusCVEScanPending = "cve-scan-pending"
	StatusComplete       = "complete"
	StatusFailed         = "failed"
	StatusVulnerable     = "vulnerable"
)

// BuildQualifiedStatuses count a group member as ready to build or already
// past the build stage. Queue planning holds a group back whole while any
// member (failed, still evaluating, mid-build elsewhere) is outside this
// set.
var BuildQualifiedStatuses = []string{
	StatusDryRunComplete,
	StatusBuildComplete,
	StatusCVEScanPending,
	StatusComplete,
}

// DerivationStatus is one row of the status catalog. Terminal statuses stop
// all further automatic processing; IsSuccess distinguishes complete from
// the terminal failure states.
type DerivationStatus struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	DisplayOrder int    `json:"display_order"`
	IsTerminal   bool   `json:"is_terminal"`
	IsSuccess    bool   `json:"is_success"`
}
