package normalize

import (
	"fmt"
	"strings"
)

// applyMapping returns a copy of fields with the mapping applied on top.
// A mapping value of the form "{a.b}" copies the value found at that path in
// fields; any other value is set literally.
func applyMapping(fields map[string]interface{}, mapping map[string]string) map[string]interface{} {
	result := make(map[string]interface{}, len(fields)+len(mapping))
	for k, v := range fields {
		result[k] = v
	}
	for key, value := range mapping {
		if strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}") {
			path := strings.Trim(value, "{}")
			extracted, err := extractValueFromPath(fields, path)
			if err == nil {
				result[key] = extracted
			}
			continue
		}
		result[key] = value
	}
	return result
}

func extractValueFromPath(data map[string]interface{}, path string) (interface{}, error) {
	keys := strings.Split(path, ".")
	current := data
	for i, key := range keys {
		value, exists := current[key]
		if !exists {
			return nil, fmt.Errorf("key %s not found", key)
		}
		if i == len(keys)-1 {
			return value, nil
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("unexpected data type for key %s", key)
		}
		current = next
	}
	return nil, fmt.Errorf("path not found")
}
