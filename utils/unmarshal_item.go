package utils

import (
	"encoding/json"
	"fmt"

	tt "github.com/toggletree/go-server-sdk"
)

// UnmarshalItem attempts to unmarshal an entity that has been stored as JSON in a
// FeatureStore. The kind parameter indicates what type of entity is expected.
func UnmarshalItem(kind tt.VersionedDataKind, raw []byte) (tt.VersionedData, error) {
	data := kind.GetDefaultItem()
	if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
		return nil, jsonErr
	}
	if item, ok := data.(tt.VersionedData); ok {
		return item, nil
	}
	return nil, fmt.Errorf("unexpected data type from JSON unmarshal: %T", data)
}
