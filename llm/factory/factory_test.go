package factory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/catalog"
	"github.com/BaSui01/llmrouter/llm/providers/openaicompat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFactory_PresetsAndOverrides(t *testing.T) {
	f := New(WithLogger(zap.NewNop()))

	tests := []struct {
		name     string
		cand     catalog.Candidate
		wantURL  string
		wantPath string
	}{
		{"openai", catalog.Candidate{Name: "o", Vendor: "openai", Model: "gpt-4o"}, "https://api.openai.com", "/v1/chat/completions"},
		{"alias", catalog.Candidate{Name: "c", Vendor: "Claude", Model: "claude-sonnet-4-5"}, "https://api.anthropic.com", "/v1/chat/completions"},
		{"glm path", catalog.Candidate{Name: "g", Vendor: "glm", Model: "glm-4"}, "https://open.bigmodel.cn/api/paas", "/v4/chat/completions"},
		{"base url override", catalog.Candidate{Name: "d", Vendor: "deepseek", Model: "deepseek-chat", BaseURL: "http://proxy.local"}, "http://proxy.local", "/v1/chat/completions"},
		{"custom vendor", catalog.Candidate{Name: "v", Vendor: "vllm", Model: "llama", BaseURL: "http://vllm:8000"}, "http://vllm:8000", "/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.Provider(tt.cand)
			require.NoError(t, err)
			oc, ok := p.(*openaicompat.Provider)
			require.True(t, ok)
			assert.Equal(t, tt.wantURL, oc.Cfg.BaseURL)
			assert.Equal(t, tt.wantPath, oc.Cfg.EndpointPath)
			assert.Equal(t, tt.cand.Model, oc.Cfg.DefaultModel)
			assert.Equal(t, tt.cand.Name, p.Name())
		})
	}
}

func TestFactory_UnknownVendorWithoutBaseURL(t *testing.T) {
	_, err := New().Provider(catalog.Candidate{Name: "x", Vendor: "mystery", Model: "m"})
	assert.Error(t, err)
	_, err = New().Provider(catalog.Candidate{Vendor: "openai"})
	assert.Error(t, err)
}

func TestFactory_CachesInstances(t *testing.T) {
	f := New()
	c := catalog.Candidate{Name: "o", Vendor: "openai", Model: "gpt-4o"}

	var wg sync.WaitGroup
	got := make([]llm.Provider, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.Provider(c)
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range got {
		assert.Same(t, got[0], p)
	}
	assert.Equal(t, 1, f.Len())

	c.Model = "gpt-4o-mini"
	other, err := f.Provider(c)
	require.NoError(t, err)
	assert.NotSame(t, got[0], other)
	assert.Equal(t, 2, f.Len())

	f.Forget("o")
	assert.Zero(t, f.Len())
}

func TestFactory_AnthropicHeaders(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer srv.Close()

	p, err := New().Provider(catalog.Candidate{Name: "c", Vendor: "anthropic", Model: "claude-haiku-4-5", BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := llm.WithCredential(context.Background(), llm.Credential{APIKey: "sk-ant-test"})
	resp, err := p.Completion(ctx, &llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.FirstContent())
	assert.Equal(t, "sk-ant-test", headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", headers.Get("anthropic-version"))
	assert.Equal(t, "Bearer sk-ant-test", headers.Get("Authorization"))
}

func TestSupportedVendors(t *testing.T) {
	vendors := SupportedVendors()
	assert.Contains(t, vendors, "openai")
	assert.Contains(t, vendors, "anthropic")
	assert.IsIncreasing(t, vendors)
}
