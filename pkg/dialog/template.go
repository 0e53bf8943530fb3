package dialog

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/voicetyped/chatflow/pkg/scenario"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Interpolate replaces {name} and {a.b} placeholders with collected values.
// Unset variables render as the empty string. Braces that do not form a
// placeholder are left untouched.
func Interpolate(text string, data map[string]any) string {
	if text == "" {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		v, ok := scenario.Lookup(data, m[1:len(m)-1])
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
