package shared

// CloneMetadata performs a deep clone of a metadata map. Values are expected
// to be JSON-shaped (nested maps, slices, scalars); scalar values and any
// unrecognized kinds are copied by assignment.
func CloneMetadata(source map[string]interface{}) map[string]interface{} {
	if source == nil {
		return nil
	}
	cloned := make(map[string]interface{}, len(source))
	for key, value := range source {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

// CloneStringSlice returns a copy of the given slice, preserving nil.
func CloneStringSlice(source []string) []string {
	if source == nil {
		return nil
	}
	return append([]string(nil), source...)
}

func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return CloneMetadata(v)
	case []interface{}:
		cloned := make([]interface{}, len(v))
		for i, item := range v {
			cloned[i] = cloneValue(item)
		}
		return cloned
	default:
		return value
	}
}
