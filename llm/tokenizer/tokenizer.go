package tokenizer

import (
	"strings"

	"github.com/BaSui01/convoflow/types"
)

// Tokenizer 是统一的 Token 计数接口
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称
	Name() string
}

// ForModel returns tiktoken for OpenAI model families and the estimator for
// everything else.
func ForModel(model string) Tokenizer {
	if _, ok := lookupEncoding(model); ok {
		return withFallback{primary: NewTiktokenTokenizer(model), fallback: NewEstimatorTokenizer()}
	}
	return NewEstimatorTokenizer()
}

// withFallback counts with primary and falls back when primary errors
// (e.g. the BPE ranks could not be loaded).
type withFallback struct {
	primary  Tokenizer
	fallback Tokenizer
}

func (w withFallback) CountTokens(text string) (int, error) {
	n, err := w.primary.CountTokens(text)
	if err != nil {
		return w.fallback.CountTokens(text)
	}
	return n, nil
}

func (w withFallback) Name() string { return w.primary.Name() }

// messageOverhead approximates role markers and separators per message.
const messageOverhead = 4

// EstimateUsage estimates prompt and completion tokens for one completion.
func EstimateUsage(t Tokenizer, prompt []types.Message, completion string) types.TokenUsage {
	var usage types.TokenUsage
	for _, m := range prompt {
		n, err := t.CountTokens(m.Content)
		if err != nil {
			continue
		}
		usage.PromptTokens += n + messageOverhead
	}
	if n, err := t.CountTokens(strings.TrimSpace(completion)); err == nil {
		usage.CompletionTokens = n
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}
