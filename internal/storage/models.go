package storage

import (
	"encoding/json"
	"time"
)

// Bucket names.
const (
	EmbeddingsBucket   = "embeddings"
	VendedTokensBucket = "vended_tokens"
	MetaBucket         = "meta"
)

// Schema versioning for migrations.
const (
	CurrentSchemaVersion = uint64(1)
	SchemaVersionKey     = "schema_version"
)

// EmbeddingRecord caches one encoded vector keyed by the SHA-256 of the
// embedded text, so restarts and unchanged inventories never re-encode.
type EmbeddingRecord struct {
	TextHash string    `json:"text_hash"`
	Model    string    `json:"model"`
	Vector   []float32 `json:"vector"`
	Created  time.Time `json:"created"`
}

// MarshalBinary serializes the record for bbolt storage.
func (r *EmbeddingRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary deserializes the record from bbolt storage.
func (r *EmbeddingRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// VendedTokenRecord tracks a token minted by /tokens/generate. The token
// itself is never stored; the record exists for audit and revocation checks.
type VendedTokenRecord struct {
	ID          string    `json:"id"` // ULID, doubles as the jti claim
	Subject     string    `json:"subject"`
	Description string    `json:"description,omitempty"`
	Scopes      []string  `json:"scopes"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked,omitempty"`
}

// MarshalBinary serializes the record for bbolt storage.
func (r *VendedTokenRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary deserializes the record from bbolt storage.
func (r *VendedTokenRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
