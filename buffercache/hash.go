package buffercache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names the content hash used to address blobs. Clients and the server
// must agree on it, so it is part of the deployment configuration.
type Algorithm string

const (
	// MD5 matches the digests computed by the browser providers.
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm accepts the configured algorithm name, case-insensitively.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(name)) {
	case MD5:
		return MD5, nil
	case SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm: %q", name)
	}
}

// Sum returns the lower-case hex digest of data.
func (a Algorithm) Sum(data []byte) string {
	switch a {
	case SHA256:
		digest := sha256.Sum256(data)
		return hex.EncodeToString(digest[:])
	case BLAKE3:
		digest := blake3.Sum256(data)
		return hex.EncodeToString(digest[:])
	default:
		digest := md5.Sum(data)
		return hex.EncodeToString(digest[:])
	}
}

// DigestLen is the length of a hex digest produced by Sum.
func (a Algorithm) DigestLen() int {
	switch a {
	case SHA256, BLAKE3:
		return 64
	default:
		return 32
	}
}

// Valid reports whether hash has the shape of a digest produced by a: lower-case
// hex of the right length, since that is the only form Sum yields.
func (a Algorithm) Valid(hash string) bool {
	if len(hash) != a.DigestLen() {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
