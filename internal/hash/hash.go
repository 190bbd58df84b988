// Package hash provides content hashes used for change detection and the
// embedding cache keys.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Text computes the SHA-256 hex digest of a string. The tool index keys its
// embedding cache by Text(model + "\x00" + embeddedText).
func Text(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Inventory computes a digest over a service's tool inventory so the health
// supervisor can tell whether a tools/list result actually changed. Format:
// sha256(servicePath + toolName + inputSchemaJSON for each tool in order).
func Inventory(servicePath string, tools []InventoryEntry) (string, error) {
	hasher := sha256.New()
	hasher.Write([]byte(servicePath))

	for _, tool := range tools {
		hasher.Write([]byte(tool.Name))
		hasher.Write([]byte(tool.Description))
		if tool.InputSchema != nil {
			schemaBytes, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return "", fmt.Errorf("failed to marshal input schema for %s: %w", tool.Name, err)
			}
			hasher.Write(schemaBytes)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// InventoryEntry is the subset of a tool descriptor that participates in
// change detection.
type InventoryEntry struct {
	Name        string
	Description string
	InputSchema any
}
