package runbook

import "encoding/json"

// extractField pulls numeric values for a field name out of a probe's data.
// The data may be a flat object, an object wrapping an array (any array
// value is scanned), or a bare array of objects. One rule can therefore
// match several elements, e.g. used_percent across mounts.
func extractField(data json.RawMessage, field string) []float64 {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil
	}
	var out []float64
	collectField(root, field, &out, 0)
	return out
}

func collectField(node any, field string, out *[]float64, depth int) {
	if depth > 3 {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		if raw, ok := v[field]; ok {
			if f, ok := raw.(float64); ok {
				*out = append(*out, f)
			}
		}
		for _, child := range v {
			switch child.(type) {
			case map[string]any, []any:
				collectField(child, field, out, depth+1)
			}
		}
	case []any:
		for _, child := range v {
			collectField(child, field, out, depth+1)
		}
	}
}

func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	default:
		return false
	}
}
