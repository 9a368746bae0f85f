package models

// Per-facet states recorded in processing_status.
const (
	StateDone   = "done"
	StateEmpty  = "empty"
	StateFailed = "failed"
)

// ProcessingStatus is the fast-path completion marker for an item. Facet
// tables stay authoritative; a done state is only ever written in the same
// transaction as the facet rows.
type ProcessingStatus struct {
	ItemID uint `gorm:"primaryKey;autoIncrement:false" json:"item_id"`

	GPSState   *string `gorm:"column:gps_state" json:"gps_state,omitempty"`
	GPSVersion *string `gorm:"column:gps_version" json:"gps_version,omitempty"`
	GPSAt      *int64  `gorm:"column:gps_at" json:"gps_at,omitempty"`
	GPSError   *string `gorm:"column:gps_error" json:"gps_error,omitempty"`

	ObjectsState   *string `gorm:"column:objects_state" json:"objects_state,omitempty"`
	ObjectsVersion *string `gorm:"column:objects_version" json:"objects_version,omitempty"`
	ObjectsAt      *int64  `gorm:"column:objects_at" json:"objects_at,omitempty"`
	ObjectsError   *string `gorm:"column:objects_error" json:"objects_error,omitempty"`

	EmbeddingsState   *string `gorm:"column:embeddings_state" json:"embeddings_state,omitempty"`
	EmbeddingsVersion *string `gorm:"column:embeddings_version" json:"embeddings_version,omitempty"`
	EmbeddingsAt      *int64  `gorm:"column:embeddings_at" json:"embeddings_at,omitempty"`
	EmbeddingsError   *string `gorm:"column:embeddings_error" json:"embeddings_error,omitempty"`

	TextState   *string `gorm:"column:text_state" json:"text_state,omitempty"`
	TextVersion *string `gorm:"column:text_version" json:"text_version,omitempty"`
	TextAt      *int64  `gorm:"column:text_at" json:"text_at,omitempty"`
	TextError   *string `gorm:"column:text_error" json:"text_error,omitempty"`

	// LastError is the most recent failure of any facet. A later success
	// leaves it in place; the per-facet error columns are cleared instead.
	LastError *string `gorm:"column:last_error" json:"last_error,omitempty"`
	UpdatedAt int64   `gorm:"not null" json:"updated_at"`
}

func (ProcessingStatus) TableName() string {
	return "processing_status"
}

// State returns the recorded state and version for a facet.
func (s ProcessingStatus) State(f Facet) (state, version *string) {
	switch f {
	case FacetGPS:
		return s.GPSState, s.GPSVersion
	case FacetObjects:
		return s.ObjectsState, s.ObjectsVersion
	case FacetEmbeddings:
		return s.EmbeddingsState, s.EmbeddingsVersion
	case FacetText:
		return s.TextState, s.TextVersion
	}
	return nil, nil
}

// Error returns the failure message of a facet's last attempt, nil unless
// that attempt failed.
func (s ProcessingStatus) Error(f Facet) *string {
	switch f {
	case FacetGPS:
		return s.GPSError
	case FacetObjects:
		return s.ObjectsError
	case FacetEmbeddings:
		return s.EmbeddingsError
	case FacetText:
		return s.TextError
	}
	return nil
}
