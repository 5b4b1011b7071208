package signet

import (
	"encoding/json"
	"sort"
	"time"
)

// KeyStatus tracks the lifecycle state of a stored key document.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRetired KeyStatus = "retired"
)

// KeyInfo is the metadata record kept for each stored key document.
// It never contains key material.
type KeyInfo struct {
	ID          string     `json:"id"`
	Algorithm   Algorithm  `json:"algorithm"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Status      KeyStatus  `json:"status"`
	Version     int        `json:"version"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	RotatedFrom string     `json:"rotated_from,omitempty"` // archived id of the previous document
	Sealed      bool       `json:"sealed"`
}

// keyIndex is the JSON document persisted through Store.PutIndex.
type keyIndex struct {
	Entries   map[string]KeyInfo `json:"entries"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func newKeyIndex() *keyIndex {
	return &keyIndex{Entries: make(map[string]KeyInfo)}
}

func parseKeyIndex(data []byte) (*keyIndex, error) {
	idx := newKeyIndex()
	if len(data) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, err
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]KeyInfo)
	}
	return idx, nil
}

func (idx *keyIndex) marshal() ([]byte, error) {
	idx.UpdatedAt = time.Now().UTC()
	return json.Marshal(idx)
}

// list returns the entries sorted by ID.
func (idx *keyIndex) list() []KeyInfo {
	infos := make([]KeyInfo, 0, len(idx.Entries))
	for _, info := range idx.Entries {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
