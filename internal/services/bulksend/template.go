package bulksend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"msgdeck/internal/storage"
)

var tokenPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes {{token}} occurrences with values from ctx. Unknown
// or empty tokens are left verbatim, never an error, so rendering is total
// and idempotent.
func Render(template string, ctx map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[2 : len(match)-2]
		if v, ok := ctx[key]; ok && v != "" {
			return v
		}
		return match
	})
}

// templateContext builds the token values for one recipient. Custom meta
// fields extend the built-in tokens and may shadow them.
func templateContext(conv storage.Conversation, meta storage.Meta) map[string]string {
	ctx := map[string]string{
		"display_name": conv.DisplayName,
		"first_name":   firstName(conv.DisplayName),
		"username":     conv.Username,
	}
	if meta.CustomFieldsJSON != "" {
		var custom map[string]any
		if err := json.Unmarshal([]byte(meta.CustomFieldsJSON), &custom); err == nil {
			for k, v := range custom {
				ctx[k] = fmt.Sprint(v)
			}
		}
	}
	return ctx
}

func firstName(displayName string) string {
	fields := strings.Fields(displayName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
