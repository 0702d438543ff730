// Package codec implements the Record Codec contract: encoding captured
// requests to the bytes stored in a ScanRecord, decoding them back, and
// deriving the short content hash the queue dedups on.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/korrelio/reqscan/pkg/capture"
)

// Codec encodes/decodes captured requests and derives their dedup hash.
type Codec interface {
	Encode(r *capture.Request) ([]byte, error)
	Decode(data []byte) (*capture.Request, error)
	Hash(r *capture.Request) (string, error)
}

// hashHexLength is the number of hex characters kept from the BLAKE3 digest.
// 16 bytes (32 hex chars) comfortably fits the 63-character column while
// keeping collision probability negligible at realistic record counts;
// put() only needs the hash to be practically unique, not cryptographically
// so, since a collision is merely deduplicated, not a security control.
const hashHexLength = 32

// JSONCodec encodes records as JSON and hashes them with BLAKE3.
type JSONCodec struct{}

// NewJSONCodec returns the default codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (JSONCodec) Encode(r *capture.Request) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*capture.Request, error) {
	var r capture.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return &r, nil
}

func (c JSONCodec) Hash(r *capture.Request) (string, error) {
	encoded, err := c.Encode(r)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(encoded)
	hash := hex.EncodeToString(sum[:])[:hashHexLength]
	return hash, nil
}
