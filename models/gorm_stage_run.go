package models

const (
	RunOutcomeRunning   = "running"
	RunOutcomeCompleted = "completed"
	RunOutcomeCancelled = "cancelled"
	RunOutcomeAborted   = "aborted"
)

// StageRun is the audit record of one stage execution.
type StageRun struct {
	RunID        string `gorm:"primaryKey" json:"run_id"`
	Facet        string `gorm:"not null;index:idx_stage_runs_facet" json:"facet"`
	ModelVersion string `gorm:"not null" json:"model_version"`
	StartedAt    int64  `gorm:"not null" json:"started_at"`
	FinishedAt   *int64 `gorm:"" json:"finished_at,omitempty"`
	Processed    int    `gorm:"not null;default:0" json:"processed"`
	Skipped      int    `gorm:"not null;default:0" json:"skipped"`
	Failed       int    `gorm:"not null;default:0" json:"failed"`
	Rejected     int    `gorm:"not null;default:0" json:"rejected"`
	Outcome      string `gorm:"not null;default:running" json:"outcome"`
}

func (StageRun) TableName() string {
	return "stage_runs"
}

// SchemaMigration records an applied schema version.
type SchemaMigration struct {
	Version   int    `gorm:"primaryKey;autoIncrement:false" json:"version"`
	Name      string `gorm:"not null" json:"name"`
	AppliedAt int64  `gorm:"not null" json:"applied_at"`
}

func (SchemaMigration) TableName() string {
	return "schema_migrations"
}
