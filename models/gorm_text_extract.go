package models

// TextExtract is one OCR span. The text_extracts_fts index mirrors Content
// through triggers.
type TextExtract struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID       uint    `gorm:"not null;uniqueIndex:idx_text_extracts_item_version_ordinal,priority:1" json:"item_id"`
	ModelVersion string  `gorm:"not null;uniqueIndex:idx_text_extracts_item_version_ordinal,priority:2" json:"model_version"`
	Ordinal      int     `gorm:"not null;uniqueIndex:idx_text_extracts_item_version_ordinal,priority:3" json:"ordinal"`
	Content      string  `gorm:"not null" json:"content"`
	Confidence   float64 `gorm:"not null" json:"confidence"`
	Box
	CreatedAt int64 `gorm:"not null" json:"created_at"`
}

func (TextExtract) TableName() string {
	return "text_extracts"
}
