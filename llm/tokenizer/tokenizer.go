package tokenizer

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，包括每条消息的开销.
	CountMessages(messages []Message) (int, error)

	// Name 返回分词器的名称.
	Name() string
}

// Message 是一个轻量级消息结构，避免与 llm 包的循环依赖。
type Message struct {
	Role    string
	Content string
}

// Counter 按模型选择分词器并缓存实例。
// tiktoken 初始化失败（例如编码数据不可下载）时退回估算器。
type Counter struct {
	mu          sync.RWMutex
	tokenizers  map[string]Tokenizer
	useTiktoken bool
	logger      *zap.Logger
}

// NewCounter 创建 token 计数器。useTiktoken 为 false 时只使用估算器。
func NewCounter(useTiktoken bool, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{
		tokenizers:  make(map[string]Tokenizer),
		useTiktoken: useTiktoken,
		logger:      logger.With(zap.String("component", "tokenizer")),
	}
}

// Register 为模型注册自定义分词器。
func (c *Counter) Register(model string, t Tokenizer) {
	c.mu.Lock()
	c.tokenizers[model] = t
	c.mu.Unlock()
}

// For 返回模型对应的分词器。
func (c *Counter) For(model string) Tokenizer {
	c.mu.RLock()
	t, ok := c.tokenizers[model]
	c.mu.RUnlock()
	if ok {
		return t
	}

	if c.useTiktoken && isOpenAIFamily(model) {
		t = NewTiktokenTokenizer(model)
	} else {
		t = NewEstimatorTokenizer(model)
	}
	c.mu.Lock()
	if existing, ok := c.tokenizers[model]; ok {
		t = existing
	} else {
		c.tokenizers[model] = t
	}
	c.mu.Unlock()
	return t
}

// Count 返回文本的 token 数，出错时退回估算值。
func (c *Counter) Count(model, text string) int {
	n, err := c.For(model).CountTokens(text)
	if err != nil {
		c.logger.Debug("tokenizer failed, using estimator", zap.String("model", model), zap.Error(err))
		n, _ = NewEstimatorTokenizer(model).CountTokens(text)
	}
	return n
}

// CountMessages 返回消息列表的 token 数，出错时退回估算值。
func (c *Counter) CountMessages(model string, messages []Message) int {
	n, err := c.For(model).CountMessages(messages)
	if err != nil {
		n, _ = NewEstimatorTokenizer(model).CountMessages(messages)
	}
	return n
}

func isOpenAIFamily(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gpt-") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "text-embedding-")
}
