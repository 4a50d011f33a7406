package knowledge

import (
	"sync"
	"unicode/utf8"

	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"
)

// CountMode 标记token计数是精确还是估算
type CountMode string

const (
	CountModeExact       CountMode = "exact"
	CountModeApproximate CountMode = "approximate"
)

// CharsPerToken 估算模式下每个token对应的字符数
const CharsPerToken = 4

// DefaultEncoding 默认BPE编码
const DefaultEncoding = "cl100k_base"

// BPE 词表随二进制打包，加载编码不访问网络
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// TokenCounter 估算文本的token数量
type TokenCounter interface {
	Count(text string) int
	Mode() CountMode
}

// Tokenizer 可以在token与文本之间往返的计数器
type Tokenizer interface {
	TokenCounter
	Encode(text string) []int
	Decode(tokens []int) string
}

// TiktokenCounter 基于 tiktoken 的精确计数
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter 加载指定编码
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.Encode(text))
}

func (c *TiktokenCounter) Mode() CountMode { return CountModeExact }

func (c *TiktokenCounter) Encode(text string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(text, nil, nil)
}

func (c *TiktokenCounter) Decode(tokens []int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Decode(tokens)
}

// ApproxTokenCounter 无分词器时的估算：字符数 / 4
type ApproxTokenCounter struct{}

func (ApproxTokenCounter) Count(text string) int {
	return utf8.RuneCountInString(text) / CharsPerToken
}

func (ApproxTokenCounter) Mode() CountMode { return CountModeApproximate }

// NewTokenCounter 优先使用 tiktoken，加载失败时退化为估算模式
func NewTokenCounter(encoding string) TokenCounter {
	counter, err := NewTiktokenCounter(encoding)
	if err != nil {
		logger.Warn("tokenizer unavailable, token counts are approximate (chars/4)",
			zap.String("encoding", encoding), zap.Error(err))
		return ApproxTokenCounter{}
	}
	return counter
}
