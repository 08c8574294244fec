package store

import (
	"encoding/json"
	"fmt"
)

// MergeObjects shallow-merges two JSON objects: keys present in patch
// overwrite keys in base, keys absent from patch are preserved. A nil or
// empty base is treated as an empty object. The result is re-marshaled
// with sorted keys, so merging the same inputs always produces identical
// bytes.
func MergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}

	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("unmarshal base object: %w", err)
		}
	}

	var patchMap map[string]any
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("unmarshal patch object: %w", err)
	}

	for k, v := range patchMap {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged object: %w", err)
	}

	return out, nil
}
