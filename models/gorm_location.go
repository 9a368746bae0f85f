package models

// Location is the optional GPS fix of an item. At most one per item.
type Location struct {
	ItemID    uint     `gorm:"primaryKey;autoIncrement:false" json:"item_id"`
	Latitude  float64  `gorm:"not null;index:idx_locations_lat_lon,priority:1" json:"latitude"`
	Longitude float64  `gorm:"not null;index:idx_locations_lat_lon,priority:2" json:"longitude"`
	Altitude  *float64 `gorm:"" json:"altitude,omitempty"` // Nullable, meters, may be negative
	CreatedAt int64    `gorm:"not null" json:"created_at"`
}

func (Location) TableName() string {
	return "locations"
}
