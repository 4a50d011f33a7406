package services

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/models"
	"gorm.io/gorm"
)

// ChunkRecord 待持久化的分块
type ChunkRecord struct {
	ProjectID     uint
	DocumentID    uint
	Content       string
	SequenceIndex int
	TokenCount    int
}

// DocumentChunkStats 单个文档的分块统计
type DocumentChunkStats struct {
	DocumentID uint  `json:"document_id"`
	Chunks     int64 `json:"chunks"`
	Tokens     int64 `json:"tokens"`
}

// ChunkStats 项目分块统计
type ChunkStats struct {
	ProjectID         uint                 `json:"project_id"`
	TotalChunks       int64                `json:"total_chunks"`
	TotalTokens       int64                `json:"total_tokens"`
	AvgTokensPerChunk float64              `json:"avg_tokens_per_chunk"`
	Documents         []DocumentChunkStats `json:"documents"`
}

// ChunkStore 分块记录的关系型存储，为每条记录分配稳定 id
type ChunkStore interface {
	CreateProject(ctx context.Context, name, description string) (uint, error)
	ProjectExists(ctx context.Context, projectID uint) (bool, error)
	// SaveChunks 按输入顺序返回分配的 id
	SaveChunks(ctx context.Context, records []ChunkRecord) ([]uint, error)
	ListByDocument(ctx context.Context, projectID, documentID uint) ([]models.Chunk, error)
	// DeleteByDocument 返回被删除的 id
	DeleteByDocument(ctx context.Context, projectID, documentID uint) ([]uint, error)
	DeleteByIDs(ctx context.Context, ids []uint) error
	Stats(ctx context.Context, projectID uint) (*ChunkStats, error)
}

func buildStats(projectID uint, docs []DocumentChunkStats) *ChunkStats {
	stats := &ChunkStats{ProjectID: projectID, Documents: docs}
	for _, d := range docs {
		stats.TotalChunks += d.Chunks
		stats.TotalTokens += d.Tokens
	}
	if stats.TotalChunks > 0 {
		stats.AvgTokensPerChunk = float64(stats.TotalTokens) / float64(stats.TotalChunks)
	}
	if stats.Documents == nil {
		stats.Documents = []DocumentChunkStats{}
	}
	return stats
}

// GormChunkStore 基于 gorm 的分块存储
type GormChunkStore struct {
	db *gorm.DB
}

func NewGormChunkStore(db *gorm.DB) *GormChunkStore {
	return &GormChunkStore{db: db}
}

// CreateProject 创建项目
func (s *GormChunkStore) CreateProject(ctx context.Context, name, description string) (uint, error) {
	if name == "" {
		return 0, apperrors.NewValidationError("project name is required")
	}
	project := models.Project{Name: name, Description: description, Status: "active"}
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		return 0, apperrors.NewDatabaseError("create project %s", name).WithCause(err)
	}
	return project.ProjectID, nil
}

// ProjectExists 检查项目是否存在
func (s *GormChunkStore) ProjectExists(ctx context.Context, projectID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Project{}).Where("project_id = ?", projectID).Count(&count).Error
	if err != nil {
		return false, apperrors.NewDatabaseError("check project %d", projectID).WithCause(err)
	}
	return count > 0, nil
}

// SaveChunks 批量写入分块
func (s *GormChunkStore) SaveChunks(ctx context.Context, records []ChunkRecord) ([]uint, error) {
	if len(records) == 0 {
		return nil, nil
	}
	rows := make([]models.Chunk, len(records))
	for i, r := range records {
		rows[i] = models.Chunk{
			ProjectID:     r.ProjectID,
			DocumentID:    r.DocumentID,
			Content:       r.Content,
			SequenceIndex: r.SequenceIndex,
			TokenCount:    r.TokenCount,
		}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, apperrors.NewDatabaseError("save %d chunks", len(rows)).WithCause(err)
	}

	ids := make([]uint, len(rows))
	for i := range rows {
		ids[i] = rows[i].ChunkID
	}
	return ids, nil
}

// ListByDocument 按 sequence_index 顺序列出文档分块
func (s *GormChunkStore) ListByDocument(ctx context.Context, projectID, documentID uint) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND document_id = ?", projectID, documentID).
		Order("sequence_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError("list chunks of document %d", documentID).WithCause(err)
	}
	return chunks, nil
}

// DeleteByDocument 删除文档全部分块
func (s *GormChunkStore) DeleteByDocument(ctx context.Context, projectID, documentID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Chunk{}).
			Where("project_id = ? AND document_id = ?", projectID, documentID).
			Pluck("chunk_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Where("chunk_id IN ?", ids).Delete(&models.Chunk{}).Error
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("delete chunks of document %d", documentID).WithCause(err)
	}
	return ids, nil
}

// DeleteByIDs 删除指定分块
func (s *GormChunkStore) DeleteByIDs(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("chunk_id IN ?", ids).Delete(&models.Chunk{}).Error; err != nil {
		return apperrors.NewDatabaseError("delete %d chunks", len(ids)).WithCause(err)
	}
	return nil
}

// Stats 统计项目分块
func (s *GormChunkStore) Stats(ctx context.Context, projectID uint) (*ChunkStats, error) {
	exists, err := s.ProjectExists(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.NewNotFoundError("project", projectID)
	}

	var docs []DocumentChunkStats
	err = s.db.WithContext(ctx).Model(&models.Chunk{}).
		Select("document_id, COUNT(*) AS chunks, COALESCE(SUM(token_count), 0) AS tokens").
		Where("project_id = ?", projectID).
		Group("document_id").
		Order("document_id").
		Scan(&docs).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError("chunk stats of project %d", projectID).WithCause(err)
	}
	return buildStats(projectID, docs), nil
}

// MemoryChunkStore 进程内分块存储，未配置数据库时使用
type MemoryChunkStore struct {
	mu         sync.RWMutex
	nextChunk  uint
	nextProj   uint
	projects   map[uint]models.Project
	chunks     map[uint]models.Chunk
	autoCreate bool
}

// NewMemoryChunkStore autoCreate 为 true 时未知项目视为存在
func NewMemoryChunkStore(autoCreate bool) *MemoryChunkStore {
	return &MemoryChunkStore{
		projects:   make(map[uint]models.Project),
		chunks:     make(map[uint]models.Chunk),
		autoCreate: autoCreate,
	}
}

func (s *MemoryChunkStore) CreateProject(_ context.Context, name, description string) (uint, error) {
	if name == "" {
		return 0, apperrors.NewValidationError("project name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProj++
	s.projects[s.nextProj] = models.Project{ProjectID: s.nextProj, Name: name, Description: description, Status: "active"}
	return s.nextProj, nil
}

func (s *MemoryChunkStore) ProjectExists(_ context.Context, projectID uint) (bool, error) {
	if s.autoCreate {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.projects[projectID]
	return ok, nil
}

func (s *MemoryChunkStore) SaveChunks(_ context.Context, records []ChunkRecord) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		for _, c := range s.chunks {
			if c.ProjectID == r.ProjectID && c.DocumentID == r.DocumentID && c.SequenceIndex == r.SequenceIndex {
				return nil, apperrors.NewDatabaseError("chunk %d of document %d already exists", r.SequenceIndex, r.DocumentID)
			}
		}
	}

	ids := make([]uint, len(records))
	for i, r := range records {
		s.nextChunk++
		s.chunks[s.nextChunk] = models.Chunk{
			ChunkID:       s.nextChunk,
			ProjectID:     r.ProjectID,
			DocumentID:    r.DocumentID,
			Content:       r.Content,
			SequenceIndex: r.SequenceIndex,
			TokenCount:    r.TokenCount,
		}
		ids[i] = s.nextChunk
	}
	return ids, nil
}

func (s *MemoryChunkStore) ListByDocument(_ context.Context, projectID, documentID uint) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Chunk{}
	for _, c := range s.chunks {
		if c.ProjectID == projectID && c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out, nil
}

func (s *MemoryChunkStore) DeleteByDocument(_ context.Context, projectID, documentID uint) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint
	for id, c := range s.chunks {
		if c.ProjectID == projectID && c.DocumentID == documentID {
			ids = append(ids, id)
			delete(s.chunks, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryChunkStore) DeleteByIDs(_ context.Context, ids []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.chunks, id)
	}
	return nil
}

func (s *MemoryChunkStore) Stats(ctx context.Context, projectID uint) (*ChunkStats, error) {
	exists, _ := s.ProjectExists(ctx, projectID)
	if !exists {
		return nil, apperrors.NewNotFoundError("project", projectID)
	}

	s.mu.RLock()
	byDoc := make(map[uint]*DocumentChunkStats)
	for _, c := range s.chunks {
		if c.ProjectID != projectID {
			continue
		}
		d, ok := byDoc[c.DocumentID]
		if !ok {
			d = &DocumentChunkStats{DocumentID: c.DocumentID}
			byDoc[c.DocumentID] = d
		}
		d.Chunks++
		d.Tokens += int64(c.TokenCount)
	}
	s.mu.RUnlock()

	docs := make([]DocumentChunkStats, 0, len(byDoc))
	for _, d := range byDoc {
		docs = append(docs, *d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocumentID < docs[j].DocumentID })
	return buildStats(projectID, docs), nil
}
