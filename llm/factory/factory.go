package factory

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/catalog"
	"github.com/BaSui01/llmrouter/llm/providers"
	"github.com/BaSui01/llmrouter/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// Preset 是某个厂商 OpenAI 兼容端点的默认地址。
type Preset struct {
	BaseURL        string
	EndpointPath   string
	ModelsEndpoint string
	BuildHeaders   func(req *http.Request, apiKey string)
}

var presets = map[string]Preset{
	"openai":   {BaseURL: "https://api.openai.com"},
	"deepseek": {BaseURL: "https://api.deepseek.com"},
	"qwen":     {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode"},
	"glm": {
		BaseURL:        "https://open.bigmodel.cn/api/paas",
		EndpointPath:   "/v4/chat/completions",
		ModelsEndpoint: "/v4/models",
	},
	"grok":    {BaseURL: "https://api.x.ai"},
	"kimi":    {BaseURL: "https://api.moonshot.cn"},
	"mistral": {BaseURL: "https://api.mistral.ai"},
	"gemini": {
		BaseURL:        "https://generativelanguage.googleapis.com/v1beta/openai",
		EndpointPath:   "/chat/completions",
		ModelsEndpoint: "/models",
	},
	"anthropic": {
		BaseURL:      "https://api.anthropic.com",
		BuildHeaders: anthropicHeaders,
	},
}

// 厂商别名
var aliases = map[string]string{
	"claude":   "anthropic",
	"xai":      "grok",
	"moonshot": "kimi",
	"zhipu":    "glm",
}

// anthropicHeaders 同时设置兼容端点与原生模型列表端点需要的头。
func anthropicHeaders(r *http.Request, apiKey string) {
	providers.BearerTokenHeaders(r, apiKey)
	r.Header.Set("x-api-key", apiKey)
	r.Header.Set("anthropic-version", "2023-06-01")
}

// SupportedVendors 返回内置预设的厂商名，已排序。
// 其他厂商只要候选配置了 base_url 也可以接入。
func SupportedVendors() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// PresetFor 返回厂商预设，支持别名。
func PresetFor(vendor string) (Preset, bool) {
	v := strings.ToLower(strings.TrimSpace(vendor))
	if a, ok := aliases[v]; ok {
		v = a
	}
	p, ok := presets[v]
	return p, ok
}

// Option 配置 Factory。
type Option func(*Factory)

// WithTimeout 设置同步请求的 HTTP 超时。
func WithTimeout(d time.Duration) Option {
	return func(f *Factory) { f.timeout = d }
}

// WithLogger 设置日志。
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithStreamUsage 让流式请求附带 include_usage。
func WithStreamUsage(enabled bool) Option {
	return func(f *Factory) { f.streamUsage = enabled }
}

// Factory 按候选构造并缓存 Provider 客户端，相同配置的候选复用同一个实例与连接池。
type Factory struct {
	mu        sync.RWMutex
	providers map[string]llm.Provider

	timeout     time.Duration
	streamUsage bool
	logger      *zap.Logger
}

// New 创建 Factory。
func New(opts ...Option) *Factory {
	f := &Factory{
		providers:   make(map[string]llm.Provider),
		timeout:     60 * time.Second,
		streamUsage: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.logger = f.logger.With(zap.String("component", "provider_factory"))
	return f
}

func cacheKey(c catalog.Candidate) string {
	return strings.Join([]string{c.Name, strings.ToLower(c.Vendor), c.Model, c.BaseURL}, "|")
}

// Provider 返回候选对应的 Provider。凭据不在此处绑定，由调用方放入 ctx。
func (f *Factory) Provider(c catalog.Candidate) (llm.Provider, error) {
	key := cacheKey(c)
	f.mu.RLock()
	p, ok := f.providers[key]
	f.mu.RUnlock()
	if ok {
		return p, nil
	}

	cfg, err := f.config(c)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[key]; ok {
		return p, nil
	}
	p = openaicompat.New(cfg, f.logger)
	f.providers[key] = p
	f.logger.Debug("provider client created",
		zap.String("provider", c.Name),
		zap.String("vendor", c.Vendor),
		zap.String("base_url", cfg.BaseURL))
	return p, nil
}

func (f *Factory) config(c catalog.Candidate) (openaicompat.Config, error) {
	if c.Name == "" {
		return openaicompat.Config{}, fmt.Errorf("candidate has no name")
	}
	preset, known := PresetFor(c.Vendor)
	if !known && c.BaseURL == "" {
		return openaicompat.Config{}, fmt.Errorf("unknown vendor %q for provider %s: base_url is required", c.Vendor, c.Name)
	}
	cfg := openaicompat.Config{
		ProviderName:       c.Name,
		BaseURL:            preset.BaseURL,
		DefaultModel:       c.Model,
		Timeout:            f.timeout,
		EndpointPath:       preset.EndpointPath,
		ModelsEndpoint:     preset.ModelsEndpoint,
		BuildHeaders:       preset.BuildHeaders,
		IncludeStreamUsage: f.streamUsage,
	}
	if c.BaseURL != "" {
		cfg.BaseURL = c.BaseURL
	}
	return cfg, nil
}

// Forget 丢弃某个候选的缓存实例，目录变更后调用。
func (f *Factory) Forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.providers {
		if strings.HasPrefix(key, name+"|") {
			delete(f.providers, key)
		}
	}
}

// Len 返回缓存的实例数。
func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.providers)
}
