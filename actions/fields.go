package actions

import "strings"

// SelectFields keeps only the comma-separated fields of obj. A field of the
// form parent.child selects one key of a nested object. Unknown fields are
// ignored. An empty selection returns obj unchanged.
func SelectFields(obj map[string]any, fields string) map[string]any {
	if strings.TrimSpace(fields) == "" || obj == nil {
		return obj
	}

	out := make(map[string]any)
	whole := make(map[string]bool)
	for _, field := range strings.Split(fields, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		if v, ok := obj[field]; ok {
			out[field] = v
			whole[field] = true
			continue
		}

		parent, child, nested := strings.Cut(field, ".")
		if !nested || whole[parent] {
			continue
		}
		src, ok := obj[parent].(map[string]any)
		if !ok {
			continue
		}
		v, ok := src[child]
		if !ok {
			continue
		}

		dst, ok := out[parent].(map[string]any)
		if !ok {
			dst = make(map[string]any)
			out[parent] = dst
		}
		dst[child] = v
	}
	return out
}

// SelectEach applies SelectFields to every item
func SelectEach(items []map[string]any, fields string) []map[string]any {
	if strings.TrimSpace(fields) == "" {
		return items
	}
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = SelectFields(item, fields)
	}
	return out
}
