package knowledge

import (
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
)

// Strategy 分块策略
type Strategy string

const (
	StrategySize       Strategy = "size"
	StrategyTokens     Strategy = "tokens"
	StrategySentences  Strategy = "sentences"
	StrategyParagraphs Strategy = "paragraphs"
)

// 分块默认值
const (
	DefaultChunkSize         = 512
	DefaultChunkOverlap      = 50
	DefaultMinChunkSize      = 50
	DefaultSentencesPerChunk = 3
	DefaultSentenceOverlap   = 1
)

var strategies = []Strategy{StrategySize, StrategyTokens, StrategySentences, StrategyParagraphs}

// ParseStrategy 解析策略名，未知策略返回校验错误
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	if s.Valid() {
		return s, nil
	}
	return "", apperrors.NewValidationError("unknown chunking strategy %q", name).
		WithDetails(map[string]interface{}{"allowed": strategies})
}

func (s Strategy) Valid() bool {
	for _, known := range strategies {
		if s == known {
			return true
		}
	}
	return false
}

// Chunk 表示分块后的文本结构
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// ChunkOptions 分块参数
type ChunkOptions struct {
	Strategy Strategy
	// ChunkSize/ChunkOverlap 对 size 策略是字符数，对 tokens 策略是token数
	ChunkSize    int
	ChunkOverlap int
	// 只保留长度严格大于 MinChunkSize 的块
	MinChunkSize      int
	SentencesPerChunk int
	SentenceOverlap   int
}

// DefaultChunkOptions 默认参数
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		Strategy:          StrategySize,
		ChunkSize:         DefaultChunkSize,
		ChunkOverlap:      DefaultChunkOverlap,
		MinChunkSize:      DefaultMinChunkSize,
		SentencesPerChunk: DefaultSentencesPerChunk,
		SentenceOverlap:   DefaultSentenceOverlap,
	}
}

// Validate 在分块前检查参数，避免窗口无法前进
func (o ChunkOptions) Validate() error {
	if !o.Strategy.Valid() {
		_, err := ParseStrategy(string(o.Strategy))
		return err
	}
	if o.MinChunkSize < 0 {
		return apperrors.NewValidationError("min chunk size must be non-negative, got %d", o.MinChunkSize)
	}
	switch o.Strategy {
	case StrategySize, StrategyTokens:
		if o.ChunkSize <= 0 {
			return apperrors.NewValidationError("chunk size must be positive, got %d", o.ChunkSize)
		}
		if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
			return apperrors.NewValidationError("chunk overlap %d must be in [0, %d)", o.ChunkOverlap, o.ChunkSize)
		}
	case StrategySentences:
		if o.SentencesPerChunk <= 0 {
			return apperrors.NewValidationError("sentences per chunk must be positive, got %d", o.SentencesPerChunk)
		}
		if o.SentenceOverlap < 0 || o.SentenceOverlap >= o.SentencesPerChunk {
			return apperrors.NewValidationError("sentence overlap %d must be in [0, %d)", o.SentenceOverlap, o.SentencesPerChunk)
		}
	}
	return nil
}

// Chunker 文本分块器
type Chunker struct {
	counter   TokenCounter
	sentences SentenceSplitter
}

// NewChunker 创建分块器，nil 参数使用估算计数器与分隔符切分
func NewChunker(counter TokenCounter, splitter SentenceSplitter) *Chunker {
	if counter == nil {
		counter = ApproxTokenCounter{}
	}
	if splitter == nil {
		splitter = DelimiterSplitter{}
	}
	return &Chunker{counter: counter, sentences: splitter}
}

// Counter 返回分块使用的计数器
func (c *Chunker) Counter() TokenCounter {
	return c.counter
}

// Split 按策略切分文本，返回的 Index 从 0 连续编号
func (c *Chunker) Split(text string, opts ChunkOptions) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	var pieces []string
	switch opts.Strategy {
	case StrategySize:
		pieces = splitBySize(text, opts.ChunkSize, opts.ChunkOverlap)
	case StrategyTokens:
		pieces = c.splitByTokens(text, opts.ChunkSize, opts.ChunkOverlap)
	case StrategySentences:
		pieces = c.splitBySentences(text, opts.SentencesPerChunk, opts.SentenceOverlap)
	case StrategyParagraphs:
		pieces = splitByParagraphs(text)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, piece := range pieces {
		if utf8.RuneCountInString(piece) <= opts.MinChunkSize {
			continue
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       piece,
			TokenCount: c.counter.Count(piece),
		})
	}
	return chunks, nil
}

// window 半开区间 [start, end)
type window struct {
	start, end int
}

// slidingWindows 起点每次前进 size-overlap，直到起点越过长度
func slidingWindows(length, size, overlap int) []window {
	step := size - overlap
	var out []window
	for start := 0; start < length; start += step {
		end := start + size
		if end > length {
			end = length
		}
		out = append(out, window{start: start, end: end})
	}
	return out
}

func splitBySize(text string, size, overlap int) []string {
	runes := []rune(text)
	windows := slidingWindows(len(runes), size, overlap)
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, string(runes[w.start:w.end]))
	}
	return out
}

func (c *Chunker) splitByTokens(text string, size, overlap int) []string {
	tokenizer, ok := c.counter.(Tokenizer)
	if !ok {
		// 估算模式：1 token 约等于 4 个字符
		return splitBySize(text, size*CharsPerToken, overlap*CharsPerToken)
	}
	tokens := tokenizer.Encode(text)
	windows := slidingWindows(len(tokens), size, overlap)
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, tokenizer.Decode(tokens[w.start:w.end]))
	}
	return out
}

func (c *Chunker) splitBySentences(text string, perChunk, overlap int) []string {
	sents := c.sentences.Split(text)
	windows := slidingWindows(len(sents), perChunk, overlap)
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, c.sentences.Join(sents[w.start:w.end]))
	}
	return out
}

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

func splitByParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range blankLine.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
