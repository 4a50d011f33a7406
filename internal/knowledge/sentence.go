package knowledge

import (
	"strings"

	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	"go.uber.org/zap"
)

// SentenceSplitter 句子边界检测
type SentenceSplitter interface {
	Split(text string) []string
	// Join 将一组句子拼回文本，分隔符与 Split 相匹配
	Join(sentences []string) string
	// Precise 为 false 时表示退化的分隔符切分
	Precise() bool
}

// PunktSplitter 基于英文 punkt 模型的句子切分
type PunktSplitter struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewPunktSplitter 加载内置英文模型
func NewPunktSplitter() (*PunktSplitter, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, err
	}
	return &PunktSplitter{tokenizer: tokenizer}, nil
}

func (s *PunktSplitter) Split(text string) []string {
	var out []string
	for _, sent := range s.tokenizer.Tokenize(text) {
		if t := strings.TrimSpace(sent.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *PunktSplitter) Join(parts []string) string {
	return strings.Join(parts, " ")
}

func (s *PunktSplitter) Precise() bool { return true }

// DelimiterSplitter 没有句子模型时按 ". " 切分
type DelimiterSplitter struct{}

const sentenceDelimiter = ". "

func (DelimiterSplitter) Split(text string) []string {
	var out []string
	for _, part := range strings.Split(text, sentenceDelimiter) {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (DelimiterSplitter) Join(parts []string) string {
	return strings.Join(parts, sentenceDelimiter)
}

func (DelimiterSplitter) Precise() bool { return false }

// NewSentenceSplitter 优先使用 punkt 模型
func NewSentenceSplitter() SentenceSplitter {
	splitter, err := NewPunktSplitter()
	if err != nil {
		logger.Warn("sentence model unavailable, splitting on \". \" delimiter", zap.Error(err))
		return DelimiterSplitter{}
	}
	return splitter
}
