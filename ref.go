package harvester

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm of a digest.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA256 Algorithm = "sha256"
)

// Digest is an expected content digest declared by an extension for an asset,
// in the form "algorithm:hex". Both supported algorithms produce 32 bytes.
type Digest struct {
	Alg  Algorithm
	Hash Hash
}

// NewDigest creates a BLAKE3 digest for a blob hash.
func NewDigest(h Hash) Digest {
	return Digest{Alg: AlgBLAKE3, Hash: h}
}

// ParseDigest parses "algorithm:hex". The algorithm is case-insensitive.
// Plain hex without a prefix is taken to be BLAKE3.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		algoStr = string(AlgBLAKE3)
	}

	var alg Algorithm
	switch Algorithm(strings.ToLower(algoStr)) {
	case AlgBLAKE3:
		alg = AlgBLAKE3
	case AlgSHA256:
		alg = AlgSHA256
	default:
		return Digest{}, fmt.Errorf("unsupported algorithm %q in digest %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return Digest{}, fmt.Errorf("invalid hash in digest %q: %w", s, err)
	}
	return Digest{Alg: alg, Hash: h}, nil
}

// String returns the canonical "algorithm:hex" form.
func (d Digest) String() string {
	return string(d.Alg) + ":" + d.Hash.String()
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.Alg == "" && d.Hash.IsZero()
}

// Verify reports whether data hashes to the digest.
func (d Digest) Verify(data []byte) bool {
	switch d.Alg {
	case AlgBLAKE3:
		return HashBytes(data) == d.Hash
	case AlgSHA256:
		return Hash(sha256.Sum256(data)) == d.Hash
	default:
		return false
	}
}

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return blobKeyPrefix + "/" + hex[:2] + "/" + hex
}

// BlobKeyPrefix is the backend prefix under which all blobs live.
func BlobKeyPrefix() string {
	return blobKeyPrefix + "/"
}

// ParseBlobStorageKey extracts a Hash from a backend storage key.
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobKeyPrefix {
		return Hash{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, err
	}
	if h.Dir() != parts[1] {
		return Hash{}, fmt.Errorf("blob key shard mismatch: %s", key)
	}
	return h, nil
}
