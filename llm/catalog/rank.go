package catalog

import (
	"slices"
	"strings"
)

// Rank 按用途对候选排序，返回新切片。
//
// 规则依次为：账户专属优先于全局；complex 优先 anthropic；
// draft/summary 按模型名升序；voice 优先 gpt-4o-mini，其次 openai；
// 最后非默认优先于默认。其余情况保持原有顺序。
func Rank(useCase UseCase, candidates []Candidate) []Candidate {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := preferTrue(a.AccountScoped(), b.AccountScoped()); c != 0 {
			return c
		}
		switch useCase {
		case UseCaseComplex:
			if c := preferTrue(a.Vendor == "anthropic", b.Vendor == "anthropic"); c != 0 {
				return c
			}
		case UseCaseDraft, UseCaseSummary:
			return strings.Compare(a.Model, b.Model)
		case UseCaseVoice:
			if c := preferTrue(a.Model == "gpt-4o-mini", b.Model == "gpt-4o-mini"); c != 0 {
				return c
			}
			if c := preferTrue(a.Vendor == "openai", b.Vendor == "openai"); c != 0 {
				return c
			}
		}
		return preferTrue(!a.IsDefault, !b.IsDefault)
	})
	return out
}

// Select 从账户可见的全部候选中选出本次请求的有序候选列表。
//
// 指定了 modelOverride 时只保留该模型（账户专属优先）；否则取声明了该用途的候选并排序；
// 没有任何匹配时退回到默认 Provider。
func Select(all []Candidate, useCase UseCase, modelOverride string) []Candidate {
	if modelOverride != "" {
		var matched []Candidate
		for _, c := range all {
			if c.Model == modelOverride {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			slices.SortStableFunc(matched, func(a, b Candidate) int {
				return preferTrue(a.AccountScoped(), b.AccountScoped())
			})
			return matched
		}
	}

	var matched []Candidate
	for _, c := range all {
		if c.Supports(useCase) {
			matched = append(matched, c)
		}
	}
	if len(matched) > 0 {
		return Rank(useCase, matched)
	}

	var defaults []Candidate
	for _, c := range all {
		if c.IsDefault {
			defaults = append(defaults, c)
		}
	}
	slices.SortStableFunc(defaults, func(a, b Candidate) int {
		return preferTrue(a.AccountScoped(), b.AccountScoped())
	})
	return defaults
}

func preferTrue(a, b bool) int {
	switch {
	case a && !b:
		return -1
	case !a && b:
		return 1
	}
	return 0
}
