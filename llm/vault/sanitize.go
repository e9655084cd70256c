package vault

import (
	"reflect"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const (
	maskedShort = "***"
	circularRef = "[Circular]"
)

var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),     // OpenAI
	regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`), // Anthropic
	regexp.MustCompile(`^[A-Za-z0-9_-]{32,}$`),        // 通用长密钥
}

// 自由文本中的凭据片段，按顺序替换，已替换的片段不会被后续规则再次命中。
var textRedactions = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer ***REDACTED***"},
	{regexp.MustCompile(`(?i)api[_-]?key["'\s:=]+[A-Za-z0-9_-]+`), "api_key=***REDACTED***"},
	{regexp.MustCompile(`\bsk-(ant-|proj-)?[A-Za-z0-9_-]+`), "sk-${1}***REDACTED***"},
}

var secretNameHints = []string{"key", "secret", "token", "password"}

// MaskAPIKey 仅保留前 4 位与后 4 位，长度不足 8 的密钥（含空串）返回 "***"。
func MaskAPIKey(key string) string {
	r := []rune(key)
	if len(r) < 8 {
		return maskedShort
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}

// LooksLikeAPIKey 判断值是否形似凭据，非字符串一律返回 false。
func LooksLikeAPIKey(value any) bool {
	s, ok := value.(string)
	if !ok || s == "" {
		return false
	}
	for _, re := range apiKeyPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// IsSecretName 判断字段名是否暗示其值为凭据。
func IsSecretName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range secretNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// SanitizeString 从自由文本中抹去凭据片段。
func SanitizeString(s string) string {
	for _, r := range textRedactions {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeError 返回脱敏后的错误文本，nil 返回空串。
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeObject 深拷贝 obj 并遮蔽其中的凭据，不修改输入。
//
// 字段名命中 key/secret/token/password 的字符串值，以及任何形似凭据的字符串都会被遮蔽，
// 其余字符串中嵌入的 Bearer/sk- 片段会被替换。
// map 与 slice 均会递归处理；当前路径上重复出现的同一 map/slice 以 "[Circular]" 代替。
func SanitizeObject(obj any) any {
	s := sanitizer{path: make(map[identity]struct{})}
	return s.value(obj, false)
}

type identity struct {
	ptr uintptr
	len int
}

type sanitizer struct {
	path map[identity]struct{}
}

func (s *sanitizer) value(v any, secretName bool) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return sanitizeScalar(t, secretName)
	case map[string]any:
		return s.enter(t, func() any {
			out := make(map[string]any, len(t))
			for k, val := range t {
				out[k] = s.value(val, IsSecretName(k))
			}
			return out
		})
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = sanitizeScalar(val, IsSecretName(k))
		}
		return out
	case []any:
		return s.enter(t, func() any {
			out := make([]any, len(t))
			for i, val := range t {
				out[i] = s.value(val, secretName)
			}
			return out
		})
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = sanitizeScalar(val, secretName)
		}
		return out
	case []map[string]any:
		return s.enter(t, func() any {
			out := make([]map[string]any, len(t))
			for i, val := range t {
				m, _ := s.value(val, false).(map[string]any)
				out[i] = m
			}
			return out
		})
	default:
		return v
	}
}

// enter 在当前路径上登记容器，退出时移除；同一容器重入时返回占位符。
func (s *sanitizer) enter(container any, walk func() any) any {
	rv := reflect.ValueOf(container)
	if rv.IsNil() {
		return container
	}
	if rv.Len() == 0 {
		return walk()
	}
	id := identity{ptr: rv.Pointer(), len: rv.Len()}
	if _, seen := s.path[id]; seen {
		return circularRef
	}
	s.path[id] = struct{}{}
	defer delete(s.path, id)
	return walk()
}

func sanitizeScalar(s string, secretName bool) string {
	if secretName || LooksLikeAPIKey(s) {
		return MaskAPIKey(s)
	}
	return SanitizeString(s)
}

// Redacted 返回脱敏后的 zap 字段，用于记录可能携带凭据的载荷。
func Redacted(key string, value any) zap.Field {
	if s, ok := value.(string); ok {
		return zap.String(key, sanitizeScalar(s, IsSecretName(key)))
	}
	return zap.Any(key, SanitizeObject(value))
}

// RedactedError 返回脱敏后的错误字段。
func RedactedError(err error) zap.Field {
	return zap.String("error", SanitizeError(err))
}
