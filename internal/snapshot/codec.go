// Package snapshot builds tab inventory snapshots and converts them to
// and from their wire form.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/tabstream/internal/types"
)

// Encode renders s as the JSON text frame sent to the listener. A nil
// tab list is encoded as an empty array.
func Encode(s types.Snapshot) ([]byte, error) {
	if s.TabInfos == nil {
		s.TabInfos = []types.TabInfo{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return data, nil
}

// Decode parses a text frame produced by Encode.
func Decode(data []byte) (types.Snapshot, error) {
	var s types.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return types.Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	if s.TabInfos == nil {
		return types.Snapshot{}, fmt.Errorf("snapshot: decode: missing tabInfos")
	}
	return s, nil
}
