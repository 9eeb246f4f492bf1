package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/taskflow/types"
)

func TestEstimatorCountTokens(t *testing.T) {
	e := NewEstimator()

	assert.Zero(t, e.CountTokens(""))
	// 短文本至少算 1 token
	assert.Equal(t, 1, e.CountTokens("a"))
	// 40 个 ASCII 字符，4 字符/token
	assert.Equal(t, 10, e.CountTokens(strings.Repeat("a", 40)))
	// 中文 1.5 字符/token
	assert.Equal(t, 20, e.CountTokens(strings.Repeat("任", 30)))
	// 混合文本
	assert.Equal(t, 12, e.CountTokens(strings.Repeat("任", 15)+strings.Repeat("a", 8)))
}

func TestEstimatorMessageOverhead(t *testing.T) {
	e := NewEstimator()

	msg := types.NewUserMessage(strings.Repeat("a", 40))
	assert.Equal(t, 14, e.CountMessageTokens(msg))

	named := msg
	named.Name = strings.Repeat("b", 8)
	assert.Equal(t, 16, e.CountMessageTokens(named))

	msgs := []types.Message{msg, msg, msg}
	assert.Equal(t, 42, e.CountMessagesTokens(msgs))
}

func TestTiktokenCounterFallsBack(t *testing.T) {
	// 未知编码：懒加载失败后退回字符估算，而不是报错。
	c := NewTiktokenCounter("no_such_encoding")

	assert.Zero(t, c.CountTokens(""))
	assert.Equal(t, 10, c.CountTokens(strings.Repeat("a", 40)))
	assert.Equal(t, 14, c.CountMessageTokens(types.NewUserMessage(strings.Repeat("a", 40))))
}

func TestTiktokenCounterDefaultEncoding(t *testing.T) {
	c := NewTiktokenCounter("")
	assert.Equal(t, "cl100k_base", c.encoding)

	// 计数结果为正即可：线下环境会退回估算器。
	assert.Positive(t, c.CountTokens("hello world"))
}

func TestCounterInterfaceCompliance(t *testing.T) {
	var _ types.TokenCounter = NewEstimator()
	var _ types.TokenCounter = NewTiktokenCounter("cl100k_base")
}
