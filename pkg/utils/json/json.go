package json

// RemoveMapFields removes all fields from live that are absent in config. Values present in both
// are taken from live, so the result only differs from config where live state diverged.
func RemoveMapFields(config, live map[string]any) map[string]any {
	result := map[string]any{}
	for k, v1 := range config {
		v2, ok := live[k]
		if !ok {
			continue
		}
		if v2 != nil {
			v2 = removeFields(v1, v2)
		}
		result[k] = v2
	}
	return result
}

func removeFields(config, live any) any {
	switch c := config.(type) {
	case map[string]any:
		l, ok := live.(map[string]any)
		if ok {
			return RemoveMapFields(c, l)
		}
		return live
	case []any:
		l, ok := live.([]any)
		if ok {
			return RemoveListFields(c, l)
		}
		return live
	default:
		return live
	}
}

// RemoveListFields removes fields that are absent in config from every list element of live.
// Elements of live past the end of config are kept as is so that they show up as drift.
func RemoveListFields(config, live []any) []any {
	result := make([]any, 0, len(live))
	for i, v2 := range live {
		if len(config) > i && v2 != nil {
			v2 = removeFields(config[i], v2)
		}
		result = append(result, v2)
	}
	return result
}
