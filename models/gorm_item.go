package models

// Date provenance tags, highest priority first.
const (
	DateSourceExifOriginal       = "exif_original"
	DateSourceExifDateTimeCamera = "exif_datetime_camera"
	DateSourceExifDateTimeNoMake = "exif_datetime_unknown"
	DateSourcePhotoDetails       = "photo_details"
	DateSourceFilename           = "filename_timestamp"
	DateSourceFilesystem         = "filesystem"
)

// Item represents one photo or video in the corpus.
// It corresponds to the 'items' table.
type Item struct {
	ID            uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	SourcePath    string  `gorm:"not null;uniqueIndex:idx_items_source_path" json:"source_path"` // absolute path at ingestion
	OrganizedPath *string `gorm:"" json:"organized_path,omitempty"`                              // Nullable, set by an external organizer
	Filename      string  `gorm:"not null" json:"filename"`

	CapturedAt *int64  `gorm:"index:idx_items_captured_at" json:"captured_at,omitempty"` // Nullable, unix seconds of the UTC wall clock
	DateSource *string `gorm:"index:idx_items_date_source" json:"date_source,omitempty"` // Nullable, one of the DateSource* tags

	Width       *int    `gorm:"" json:"width,omitempty"`
	Height      *int    `gorm:"" json:"height,omitempty"`
	CameraMake  *string `gorm:"index:idx_items_camera,priority:1" json:"camera_make,omitempty"`
	CameraModel *string `gorm:"index:idx_items_camera,priority:2" json:"camera_model,omitempty"`

	Checksum *string `gorm:"" json:"checksum,omitempty"` // BLAKE2b-256 hex of file content

	CreatedAt int64 `gorm:"not null" json:"created_at"` // Stored as INTEGER in SQLite, Unix timestamp
	UpdatedAt int64 `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Item) TableName() string {
	return "items"
}

// MediaPath is the path collaborators should read: the organized copy when
// one exists, otherwise the original.
func (i Item) MediaPath() string {
	if i.OrganizedPath != nil && *i.OrganizedPath != "" {
		return *i.OrganizedPath
	}
	return i.SourcePath
}
