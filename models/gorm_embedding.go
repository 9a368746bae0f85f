package models

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embedding is the vector of one item under one model version.
// It corresponds to the 'embeddings' table.
type Embedding struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID        uint   `gorm:"not null;uniqueIndex:idx_embeddings_item_version,priority:1" json:"item_id"`
	ModelVersion  string `gorm:"not null;uniqueIndex:idx_embeddings_item_version,priority:2;index:idx_embeddings_version" json:"model_version"`
	Dimension     int    `gorm:"not null" json:"dimension"`
	EmbeddingData []byte `gorm:"not null;column:embedding_data" json:"-"` // little-endian float32 BLOB
	CreatedAt     int64  `gorm:"not null" json:"created_at"`
}

func (Embedding) TableName() string {
	return "embeddings"
}

// EmbeddingModel records the declared dimension of a model version. A blob
// can only be interpreted once its version is known.
type EmbeddingModel struct {
	ModelVersion string `gorm:"primaryKey" json:"model_version"`
	Dimension    int    `gorm:"not null" json:"dimension"`
	CreatedAt    int64  `gorm:"not null" json:"created_at"`
}

func (EmbeddingModel) TableName() string {
	return "embedding_models"
}

// GetEmbedding converts the BLOB data to []float32
func (e *Embedding) GetEmbedding() ([]float32, error) {
	return DecodeVector(e.EmbeddingData, e.Dimension)
}

// SetEmbedding converts []float32 to BLOB data and records its length.
func (e *Embedding) SetEmbedding(vec []float32) {
	e.EmbeddingData = EncodeVector(vec)
	e.Dimension = len(vec)
}

// EncodeVector packs a vector as little-endian float32.
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a blob written by EncodeVector. dim <= 0 skips the
// length check.
func DecodeVector(data []byte, dim int) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(data))
	}
	n := len(data) / 4
	if dim > 0 && n != dim {
		return nil, fmt.Errorf("embedding blob holds %d values, model declares %d", n, dim)
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
