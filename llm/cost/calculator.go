// Package cost 按每 1K token 的价格估算单次尝试的成本。
package cost

import (
	"strings"
	"sync"
)

// DefaultRatePer1K 是未知模型的兜底价格（输入输出同价，USD / 1K tokens）。
const DefaultRatePer1K = 0.002

// ModelPrice 模型价格
type ModelPrice struct {
	Vendor      string  `yaml:"vendor" json:"vendor,omitempty"`
	Model       string  `yaml:"model" json:"model"`
	PriceInput  float64 `yaml:"price_input" json:"price_input"`   // USD per 1K tokens
	PriceOutput float64 `yaml:"price_output" json:"price_output"` // USD per 1K tokens
}

// Calculator 成本计算器。价格优先按 vendor:model 查找，其次按 model。
type Calculator struct {
	mu       sync.RWMutex
	prices   map[string]ModelPrice
	fallback float64
}

// NewCalculator 创建成本计算器并加载默认价格。
func NewCalculator() *Calculator {
	c := &Calculator{
		prices:   make(map[string]ModelPrice),
		fallback: DefaultRatePer1K,
	}
	c.UpdatePrices(defaultPrices())
	return c
}

func defaultPrices() []ModelPrice {
	return []ModelPrice{
		// OpenAI
		{Model: "gpt-4o", PriceInput: 0.0025, PriceOutput: 0.010},
		{Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		{Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		// Anthropic
		{Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Model: "claude-3-sonnet-20240229", PriceInput: 0.003, PriceOutput: 0.015},
		{Model: "claude-sonnet-4-5", PriceInput: 0.003, PriceOutput: 0.015},
		{Model: "claude-3-opus-20240229", PriceInput: 0.015, PriceOutput: 0.075},
		{Model: "claude-3-haiku-20240307", PriceInput: 0.00025, PriceOutput: 0.00125},
		{Model: "claude-haiku-4-5", PriceInput: 0.00025, PriceOutput: 0.00125},
		// Gemini
		{Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
	}
}

func priceKey(vendor, model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if vendor == "" {
		return model
	}
	return strings.ToLower(strings.TrimSpace(vendor)) + ":" + model
}

// SetFallbackRate 设置未知模型的价格。
func (c *Calculator) SetFallbackRate(per1K float64) {
	c.mu.Lock()
	c.fallback = per1K
	c.mu.Unlock()
}

// SetPrice 设置模型价格，vendor 为空表示对所有厂商生效。
func (c *Calculator) SetPrice(vendor, model string, priceInput, priceOutput float64) {
	c.UpdatePrices([]ModelPrice{{Vendor: vendor, Model: model, PriceInput: priceInput, PriceOutput: priceOutput}})
}

// UpdatePrices 批量更新价格（来自配置）。
func (c *Calculator) UpdatePrices(prices []ModelPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prices {
		if p.Model == "" {
			continue
		}
		c.prices[priceKey(p.Vendor, p.Model)] = p
	}
}

// GetPrice 获取模型价格。
func (c *Calculator) GetPrice(vendor, model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if vendor != "" {
		if p, ok := c.prices[priceKey(vendor, model)]; ok {
			return p, true
		}
	}
	p, ok := c.prices[priceKey("", model)]
	return p, ok
}

// Calculate 计算成本，未知模型按兜底价格计。
func (c *Calculator) Calculate(vendor, model string, tokensInput, tokensOutput int) float64 {
	if p, ok := c.GetPrice(vendor, model); ok {
		return float64(tokensInput)/1000*p.PriceInput + float64(tokensOutput)/1000*p.PriceOutput
	}
	c.mu.RLock()
	rate := c.fallback
	c.mu.RUnlock()
	return float64(tokensInput+tokensOutput) / 1000 * rate
}
