package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 为 OpenAI 系列模型提供精确计数.
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// modelEncodings 将模型名称前缀映射到 tiktoken 编码，较长的前缀优先。
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{prefix: "gpt-4o-mini", encoding: "o200k_base"},
	{prefix: "gpt-4o", encoding: "o200k_base"},
	{prefix: "o1", encoding: "o200k_base"},
	{prefix: "o3", encoding: "o200k_base"},
	{prefix: "gpt-4-turbo", encoding: "cl100k_base"},
	{prefix: "gpt-4", encoding: "cl100k_base"},
	{prefix: "gpt-3.5-turbo", encoding: "cl100k_base"},
	{prefix: "text-embedding-3", encoding: "cl100k_base"},
}

// EncodingFor 返回模型使用的编码，未知模型默认为 cl100k_base。
func EncodingFor(model string) string {
	m := strings.ToLower(model)
	for _, e := range modelEncodings {
		if strings.HasPrefix(m, e.prefix) {
			return e.encoding
		}
	}
	return "cl100k_base"
}

// NewTiktokenTokenizer 为给定模型创建分词器，编码数据在首次使用时加载.
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	return &TiktokenTokenizer{
		model:    model,
		encoding: EncodingFor(model),
	}
}

// init 延迟初始化 tiktoken 编码(可能在第一次使用时下载数据).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}

	total := 0
	for _, msg := range messages {
		// 每条消息的开销: <|start|>role\n content<|end|>\n
		total += 4
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(msg.Role, nil, nil))
	}
	total += 3 // conversation-end overhead
	return total, nil
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
