package models

import (
	"time"
)

// Project 项目，检索的隔离范围
type Project struct {
	ProjectID   uint      `gorm:"primaryKey;column:project_id" json:"project_id"`
	Name        string    `gorm:"size:200;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Status      string    `gorm:"size:20;default:active" json:"status"`
	CreateTime  time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdateTime  time.Time `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (Project) TableName() string {
	return "rag_projects"
}

// Chunk 分块记录，向量在索引中的 id 为 chunk_{chunk_id}
type Chunk struct {
	ChunkID       uint      `gorm:"primaryKey;column:chunk_id" json:"chunk_id"`
	ProjectID     uint      `gorm:"column:project_id;not null;index:idx_rag_chunks_project_document" json:"project_id"`
	DocumentID    uint      `gorm:"column:document_id;not null;index:idx_rag_chunks_project_document" json:"document_id"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	SequenceIndex int       `gorm:"column:sequence_index;not null" json:"sequence_index"`
	TokenCount    int       `gorm:"column:token_count;default:0" json:"token_count"`
	CreateTime    time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
}

func (Chunk) TableName() string {
	return "rag_chunks"
}
