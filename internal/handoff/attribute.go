package handoff

import (
	"strings"
	"time"
)

// Attribute is one versioned value owned by a node. Version starts at 1 and
// increases by one per distinct write to (Node, Key).
type Attribute struct {
	Node      string    `json:"node"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Topic derives the event topic for (node, key).
func Topic(node, key string) string {
	return strings.TrimSpace(node) + "#" + strings.TrimSpace(key)
}

func normalizeRef(node, key string) (string, string, error) {
	node = strings.Trim(strings.TrimSpace(node), "/")
	key = strings.TrimSpace(key)
	if node == "" {
		return "", "", ErrMissingNode
	}
	if key == "" {
		return "", "", ErrMissingKey
	}
	return node, key, nil
}
