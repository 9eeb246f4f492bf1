package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/taskflow/types"
)

// TiktokenCounter 基于 tiktoken 的精确计数器，懒加载编码表。
// Falls back to character estimation when the encoding cannot be loaded
// (e.g. offline environments).
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	fallback *Estimator
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter creates a counter for the given tiktoken encoding.
// Use "cl100k_base" when unsure.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{
		encoding: encoding,
		fallback: NewEstimator(),
	}
}

func (t *TiktokenCounter) init() {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
}

// CountTokens counts tokens in text.
func (t *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.initErr != nil || t.enc == nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessageTokens counts tokens in a message, with per-message overhead.
func (t *TiktokenCounter) CountMessageTokens(msg types.Message) int {
	tokens := messageOverheadTokens
	tokens += t.CountTokens(msg.Content)
	if msg.Name != "" {
		tokens += t.CountTokens(msg.Name)
	}
	return tokens
}

// CountMessagesTokens counts total tokens in a message slice.
func (t *TiktokenCounter) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.CountMessageTokens(m)
	}
	return total
}
