package models

import (
	"strconv"
	"time"

	"gorm.io/gorm"
)

// BaseModel 提供带 gorm 软删除的公共字段。
// Message 等有业务删除语义的模型不嵌入它，自行定义时间戳字段。
type BaseModel struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

// IDString returns the ID as a string.
func (b *BaseModel) IDString() string {
	return strconv.FormatUint(uint64(b.ID), 10)
}
