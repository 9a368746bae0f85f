package models

// ObjectTag is one detection on an item. Tags are written as a batch per
// (item, model version) and never mutated afterwards.
type ObjectTag struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID       uint    `gorm:"not null;uniqueIndex:idx_object_tags_item_version_ordinal,priority:1" json:"item_id"`
	ModelVersion string  `gorm:"not null;uniqueIndex:idx_object_tags_item_version_ordinal,priority:2" json:"model_version"`
	Ordinal      int     `gorm:"not null;uniqueIndex:idx_object_tags_item_version_ordinal,priority:3" json:"ordinal"`
	Label        string  `gorm:"not null;index:idx_object_tags_label" json:"label"`
	Confidence   float64 `gorm:"not null" json:"confidence"`
	Box
	CreatedAt int64 `gorm:"not null" json:"created_at"`
}

func (ObjectTag) TableName() string {
	return "object_tags"
}

// Box is a pixel-space bounding box.
type Box struct {
	X      float64 `gorm:"column:box_x;not null" json:"x"`
	Y      float64 `gorm:"column:box_y;not null" json:"y"`
	Width  float64 `gorm:"column:box_width;not null" json:"width"`
	Height float64 `gorm:"column:box_height;not null" json:"height"`
}
