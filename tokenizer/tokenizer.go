// Package tokenizer provides token counting for context pressure estimation.
// A tiktoken-backed counter is used when the model encoding is known, with a
// character-based estimator as fallback.
package tokenizer

import "github.com/BaSui01/taskflow/types"

const messageOverheadTokens = 4

// Estimator provides a simple character-based token estimation.
// 中文字符按 1.5 字符/token，其余按 4 字符/token 估算。
type Estimator struct{}

// NewEstimator creates an Estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// CountTokens counts tokens in text.
func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	var chineseCount, otherCount int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			chineseCount++
		} else {
			otherCount++
		}
	}
	tokens := float64(chineseCount)/1.5 + float64(otherCount)/4.0
	if tokens < 1 {
		return 1
	}
	return int(tokens)
}

// CountMessageTokens counts tokens in a message, with per-message overhead.
func (e *Estimator) CountMessageTokens(msg types.Message) int {
	tokens := messageOverheadTokens
	tokens += e.CountTokens(msg.Content)
	if msg.Name != "" {
		tokens += e.CountTokens(msg.Name)
	}
	return tokens
}

// CountMessagesTokens counts total tokens in a message slice.
func (e *Estimator) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.CountMessageTokens(m)
	}
	return total
}
