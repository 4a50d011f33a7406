package services

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 流水线默认值
const (
	DefaultMaxParallel    = 4
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
)

// Extractor 把文件转换为纯文本
type Extractor interface {
	Extract(path, declaredFormat string) (string, error)
}

// ObjectFetcher 把对象存储中的资源下载到本地，cleanup 删除临时文件
type ObjectFetcher interface {
	Fetch(ctx context.Context, objectKey string) (localPath string, cleanup func(), err error)
}

// PipelineInput 单个文档的处理请求
type PipelineInput struct {
	TaskID     string `json:"task_id,omitempty"`
	ProjectID  uint   `json:"project_id"`
	DocumentID uint   `json:"document_id"`
	// FilePath 与 ObjectKey 二选一
	FilePath  string `json:"file_path,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	// Format 声明的扩展名，为空时取文件扩展名
	Format    string `json:"format,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	// nil 表示使用配置值
	ChunkOverlap *int `json:"chunk_overlap,omitempty"`
	// Reset 先删除该文档已有的分块和向量
	Reset bool `json:"reset,omitempty"`
}

// DocumentResult 单个文档的处理结果
type DocumentResult struct {
	TaskID     string `json:"task_id"`
	DocumentID uint   `json:"document_id"`
	Status     Stage  `json:"status"`
	// FailedStage 失败时所处阶段
	FailedStage   Stage         `json:"failed_stage,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ChunksCreated int           `json:"chunks_created"`
	TotalTokens   int           `json:"total_tokens"`
	// Attempts 各阶段执行次数之和，StageAttempts 按阶段拆分
	Attempts      int           `json:"attempts"`
	StageAttempts map[Stage]int `json:"stage_attempts,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Succeeded 是否处理成功
func (r DocumentResult) Succeeded() bool {
	return r.Status == StageCompleted
}

// BatchSummary 批处理汇总，包含每个文档的结果
type BatchSummary struct {
	ProjectID      uint             `json:"project_id"`
	TotalDocuments int              `json:"total_documents"`
	Succeeded      int              `json:"succeeded"`
	Failed         int              `json:"failed"`
	Results        []DocumentResult `json:"results"`
}

// Failures 失败的文档
func (s *BatchSummary) Failures() []DocumentResult {
	var out []DocumentResult
	for _, r := range s.Results {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// OrchestratorDeps 编排器依赖，Fetcher 与 Metrics 可以为空
type OrchestratorDeps struct {
	Extractor Extractor
	Chunker   *knowledge.Chunker
	Embedder  *knowledge.EmbeddingService
	Index     knowledge.VectorIndex
	Chunks    ChunkStore
	Statuses  StatusStore
	Fetcher   ObjectFetcher
	Metrics   *PipelineMetrics
}

// PipelineOrchestrator 依次执行抽取、分块、持久化、向量化与索引
type PipelineOrchestrator struct {
	deps        OrchestratorDeps
	chunking    knowledge.ChunkOptions
	maxParallel int
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
	wg          sync.WaitGroup
}

// NewPipelineOrchestrator 创建编排器
func NewPipelineOrchestrator(deps OrchestratorDeps, chunking config.ChunkingConfig, cfg config.PipelineConfig) (*PipelineOrchestrator, error) {
	if deps.Extractor == nil || deps.Chunker == nil || deps.Embedder == nil || deps.Index == nil || deps.Chunks == nil {
		return nil, apperrors.NewValidationError("orchestrator requires extractor, chunker, embedder, index and chunk store")
	}
	if deps.Statuses == nil {
		deps.Statuses = NewMemoryStatusStore()
	}

	o := &PipelineOrchestrator{
		deps:        deps,
		chunking:    ChunkDefaults(chunking),
		maxParallel: cfg.MaxParallel,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.InitialBackoff,
		log:         logger.Named("pipeline"),
	}
	if o.maxParallel <= 0 {
		o.maxParallel = DefaultMaxParallel
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.backoff < 0 {
		o.backoff = DefaultInitialBackoff
	}
	if err := o.chunking.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// ChunkDefaults 由配置得到默认分块参数，未配置的字段取内置默认值
func ChunkDefaults(cfg config.ChunkingConfig) knowledge.ChunkOptions {
	opts := knowledge.DefaultChunkOptions()
	if cfg.Strategy != "" {
		opts.Strategy = knowledge.Strategy(cfg.Strategy)
	}
	if cfg.ChunkSize > 0 {
		opts.ChunkSize = cfg.ChunkSize
		opts.ChunkOverlap = cfg.ChunkOverlap
		opts.MinChunkSize = cfg.MinChunkSize
	}
	if cfg.SentencesPerChunk > 0 {
		opts.SentencesPerChunk = cfg.SentencesPerChunk
		opts.SentenceOverlap = cfg.SentenceOverlap
	}
	return opts
}

// ResolveChunkOptions 用请求参数覆盖默认值并校验
func ResolveChunkOptions(base knowledge.ChunkOptions, in PipelineInput) (knowledge.ChunkOptions, error) {
	opts := base
	if in.Strategy != "" {
		strategy, err := knowledge.ParseStrategy(in.Strategy)
		if err != nil {
			return opts, err
		}
		opts.Strategy = strategy
	}
	if in.ChunkSize != 0 {
		opts.ChunkSize = in.ChunkSize
	}
	if in.ChunkOverlap != nil {
		opts.ChunkOverlap = *in.ChunkOverlap
	}
	return opts, opts.Validate()
}

// retryClassifier 只重试可能是瞬时的错误
type retryClassifier struct{}

func (retryClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if apperrors.IsRetryable(err) {
		return retrier.Retry
	}
	return retrier.Fail
}

// runStage 以指数退避执行一个阶段的操作，每次执行都累加到 result 的计数
func (o *PipelineOrchestrator) runStage(ctx context.Context, result *DocumentResult, stage Stage, work func(ctx context.Context, retries int) error) error {
	r := retrier.New(retrier.ExponentialBackoff(o.maxAttempts-1, o.backoff), retryClassifier{}).WithSurfaceWorkErrors()
	r.SetJitter(0.2)

	if result.StageAttempts == nil {
		result.StageAttempts = make(map[Stage]int)
	}
	taskID := result.TaskID
	return r.RunFn(ctx, func(ctx context.Context, retries int) error {
		result.Attempts++
		result.StageAttempts[stage]++
		if retries > 0 {
			o.deps.Metrics.StageRetried(stage)
			o.log.Warn("retrying pipeline stage",
				zap.String("task_id", taskID),
				zap.String("stage", string(stage)),
				zap.Int("attempt", retries+1))
		}
		return work(ctx, retries)
	})
}

func cancelledError() error {
	return apperrors.NewSystemError("cancelled")
}

// Process 同步处理单个文档，错误都折算进结果
func (o *PipelineOrchestrator) Process(ctx context.Context, in PipelineInput) DocumentResult {
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	start := time.Now()
	result := DocumentResult{TaskID: in.TaskID, DocumentID: in.DocumentID}

	// 状态写入不受调用方取消影响
	statusCtx := context.WithoutCancel(ctx)
	tracker := newStageTracker(in.TaskID, in.DocumentID, o.log)
	tracker.onChange = func(from, to Stage, elapsed time.Duration) {
		if from != StagePending {
			o.deps.Metrics.ObserveStage(from, elapsed)
		}
		if to != StageFailed {
			o.saveStatus(statusCtx, in, to, "")
		}
	}
	o.saveStatus(statusCtx, in, StagePending, "")

	err := o.run(ctx, in, tracker, &result)
	result.Duration = time.Since(start)
	if err != nil {
		tracker.Fail()
		result.Status = StageFailed
		result.FailedStage = tracker.FailedAt()
		result.Reason = err.Error()
		result.ErrorCode = string(apperrors.CodeOf(err))
		o.saveStatus(statusCtx, in, StageFailed, result.Reason)
		o.log.Warn("document processing failed",
			zap.String("task_id", in.TaskID),
			zap.Uint("document_id", in.DocumentID),
			zap.String("stage", string(result.FailedStage)),
			zap.String("code", result.ErrorCode),
			zap.Error(err))
	} else {
		result.Status = StageCompleted
		o.log.Info("document processed",
			zap.String("task_id", in.TaskID),
			zap.Uint("document_id", in.DocumentID),
			zap.Int("chunks", result.ChunksCreated),
			zap.Int("tokens", result.TotalTokens),
			zap.Duration("duration", result.Duration))
	}
	o.deps.Metrics.DocumentFinished(result.Status)
	return result
}

func (o *PipelineOrchestrator) run(ctx context.Context, in PipelineInput, tracker *stageTracker, result *DocumentResult) error {
	if ctx.Err() != nil {
		return cancelledError()
	}
	if in.FilePath == "" && in.ObjectKey == "" {
		return apperrors.NewValidationError("file path or object key is required")
	}
	opts, err := ResolveChunkOptions(o.chunking, in)
	if err != nil {
		return err
	}

	exists, err := o.deps.Chunks.ProjectExists(ctx, in.ProjectID)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.NewNotFoundError("project", in.ProjectID)
	}
	if in.Reset {
		if err := o.resetDocument(ctx, in.ProjectID, in.DocumentID); err != nil {
			return err
		}
	}

	if err := tracker.Advance(StageExtracting); err != nil {
		return err
	}
	text, err := o.extract(ctx, in, result)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return apperrors.NewExtractionError("no content")
	}

	if err := tracker.Advance(StageChunking); err != nil {
		return err
	}
	chunks, err := o.deps.Chunker.Split(text, opts)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return apperrors.NewValidationError("no chunks above minimum size %d", opts.MinChunkSize)
	}

	records := make([]ChunkRecord, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		records[i] = ChunkRecord{
			ProjectID:     in.ProjectID,
			DocumentID:    in.DocumentID,
			Content:       c.Text,
			SequenceIndex: c.Index,
			TokenCount:    c.TokenCount,
		}
		texts[i] = c.Text
		result.TotalTokens += c.TokenCount
	}

	// 调度前最后一次检查取消
	if ctx.Err() != nil {
		return cancelledError()
	}

	// 从持久化分块开始运行到完成或失败
	stageCtx := context.WithoutCancel(ctx)
	var ids []uint
	err = o.runStage(stageCtx, result, StageChunking, func(ctx context.Context, _ int) error {
		var saveErr error
		ids, saveErr = o.deps.Chunks.SaveChunks(ctx, records)
		return saveErr
	})
	if err != nil {
		return err
	}

	if err := tracker.Advance(StageEmbedding); err != nil {
		o.compensate(stageCtx, in, ids, nil)
		return err
	}
	var vectors [][]float32
	err = o.runStage(stageCtx, result, StageEmbedding, func(ctx context.Context, _ int) error {
		var embedErr error
		vectors, embedErr = o.deps.Embedder.Embed(ctx, texts, 0)
		return embedErr
	})
	if err != nil {
		o.compensate(stageCtx, in, ids, nil)
		return err
	}

	if err := tracker.Advance(StageIndexing); err != nil {
		o.compensate(stageCtx, in, ids, nil)
		return err
	}
	entries := make([]knowledge.IndexEntry, len(chunks))
	vectorIDs := make([]string, len(chunks))
	for i, c := range chunks {
		vectorIDs[i] = knowledge.ChunkVectorID(ids[i])
		entries[i] = knowledge.IndexEntry{
			ID:       vectorIDs[i],
			Vector:   vectors[i],
			Text:     c.Text,
			Metadata: knowledge.ChunkMetadata(ids[i], in.DocumentID, in.ProjectID, c.Index, c.TokenCount),
		}
	}
	err = o.runStage(stageCtx, result, StageIndexing, func(ctx context.Context, retries int) error {
		// 重试时部分向量可能已写入
		if retries == 0 {
			return o.deps.Index.Add(ctx, entries)
		}
		return o.deps.Index.Update(ctx, entries)
	})
	if err != nil {
		o.compensate(stageCtx, in, ids, vectorIDs)
		return err
	}

	o.deps.Metrics.ChunksIndexed(len(entries))
	result.ChunksCreated = len(ids)
	return tracker.Advance(StageCompleted)
}

// extract 必要时先从对象存储下载
func (o *PipelineOrchestrator) extract(ctx context.Context, in PipelineInput, result *DocumentResult) (string, error) {
	path, format := in.FilePath, in.Format
	if in.ObjectKey != "" {
		if o.deps.Fetcher == nil {
			return "", apperrors.NewValidationError("object key %q given but object storage is not configured", in.ObjectKey)
		}
		if format == "" {
			format = filepath.Ext(in.ObjectKey)
		}
		var cleanup func()
		err := o.runStage(ctx, result, StageExtracting, func(ctx context.Context, _ int) error {
			var fetchErr error
			path, cleanup, fetchErr = o.deps.Fetcher.Fetch(ctx, in.ObjectKey)
			return fetchErr
		})
		if err != nil {
			return "", err
		}
		defer cleanup()
	}

	var text string
	err := o.runStage(ctx, result, StageExtracting, func(context.Context, int) error {
		var extractErr error
		text, extractErr = o.deps.Extractor.Extract(path, format)
		return extractErr
	})
	return text, err
}

// resetDocument 删除文档之前的分块与向量
func (o *PipelineOrchestrator) resetDocument(ctx context.Context, projectID, documentID uint) error {
	ids, err := o.deps.Chunks.DeleteByDocument(ctx, projectID, documentID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	vectorIDs := make([]string, len(ids))
	for i, id := range ids {
		vectorIDs[i] = knowledge.ChunkVectorID(id)
	}
	if err := o.deps.Index.Delete(ctx, vectorIDs); err != nil {
		return err
	}
	o.log.Info("document reset", zap.Uint("document_id", documentID), zap.Int("chunks", len(ids)))
	return nil
}

// compensate 失败后删除已写入的分块和向量，尽力而为
func (o *PipelineOrchestrator) compensate(ctx context.Context, in PipelineInput, chunkIDs []uint, vectorIDs []string) {
	if len(vectorIDs) > 0 {
		if err := o.deps.Index.Delete(ctx, vectorIDs); err != nil {
			o.log.Error("failed to remove vectors of failed document",
				zap.String("task_id", in.TaskID), zap.Uint("document_id", in.DocumentID), zap.Error(err))
		}
	}
	if err := o.deps.Chunks.DeleteByIDs(ctx, chunkIDs); err != nil {
		o.log.Error("failed to remove chunks of failed document",
			zap.String("task_id", in.TaskID), zap.Uint("document_id", in.DocumentID), zap.Error(err))
	}
}

func (o *PipelineOrchestrator) saveStatus(ctx context.Context, in PipelineInput, stage Stage, message string) {
	status := PipelineTaskStatus{
		TaskID:       in.TaskID,
		Status:       stage.TaskState(),
		Progress:     stageProgress[stage],
		ErrorMessage: message,
		Stage:        stage,
		ProjectID:    in.ProjectID,
		DocumentID:   in.DocumentID,
		UpdatedAt:    time.Now(),
	}
	if stage == StageFailed {
		if prev, err := o.deps.Statuses.Get(ctx, in.TaskID); err == nil {
			status.Progress = prev.Progress
		}
	}
	if err := o.deps.Statuses.Save(ctx, status); err != nil {
		o.log.Warn("failed to save task status", zap.String("task_id", in.TaskID), zap.Error(err))
	}
}

// ProcessBatch 并发处理同一项目的多个文档，单个失败不影响其余文档。
// ctx 取消后尚未开始的文档记为 cancelled。
func (o *PipelineOrchestrator) ProcessBatch(ctx context.Context, projectID uint, inputs []PipelineInput) *BatchSummary {
	summary := &BatchSummary{
		ProjectID:      projectID,
		TotalDocuments: len(inputs),
		Results:        make([]DocumentResult, len(inputs)),
	}

	var g errgroup.Group
	g.SetLimit(o.maxParallel)
	for i, in := range inputs {
		i, in := i, in
		in.ProjectID = projectID
		if ctx.Err() != nil {
			summary.Results[i] = o.Process(ctx, in)
			continue
		}
		g.Go(func() error {
			summary.Results[i] = o.Process(ctx, in)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range summary.Results {
		if r.Succeeded() {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	o.log.Info("batch processed",
		zap.Uint("project_id", projectID),
		zap.Int("total", summary.TotalDocuments),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))
	return summary
}

// Submit 后台处理文档，返回可轮询的任务 id
func (o *PipelineOrchestrator) Submit(ctx context.Context, in PipelineInput) (string, error) {
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	err := o.deps.Statuses.Save(ctx, PipelineTaskStatus{
		TaskID:     in.TaskID,
		Status:     TaskPending,
		Stage:      StagePending,
		ProjectID:  in.ProjectID,
		DocumentID: in.DocumentID,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Process(bg, in)
	}()
	return in.TaskID, nil
}

// TaskStatus 查询任务状态
func (o *PipelineOrchestrator) TaskStatus(ctx context.Context, taskID string) (*PipelineTaskStatus, error) {
	return o.deps.Statuses.Get(ctx, taskID)
}

// Wait 等待所有 Submit 的任务结束
func (o *PipelineOrchestrator) Wait() {
	o.wg.Wait()
}
