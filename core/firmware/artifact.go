package firmware

import (
	"fmt"
	"time"

	"github.com/kabili207/fota-go/core/codec"
)

// Artifact describes one stored firmware binary. Values are snapshots: a
// session keeps the Artifact it was created with even if the catalog file
// is later replaced, and StorageRef points at immutable content.
type Artifact struct {
	Name       string    `json:"name"`
	Version    Version   `json:"version"`
	Size       int64     `json:"size"`
	MD5        string    `json:"md5"`
	SHA256     string    `json:"sha256"`
	StorageRef string    `json:"storageRef"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Digest returns the artifact's digest of the given kind.
func (a Artifact) Digest(kind codec.HashKind) (string, error) {
	switch kind {
	case codec.HashMD5:
		return a.MD5, nil
	case codec.HashSHA256:
		return a.SHA256, nil
	default:
		return "", fmt.Errorf("%w: %q", codec.ErrUnsupportedHash, string(kind))
	}
}

// TotalChunks returns how many chunks of chunkSize cover the artifact.
func (a Artifact) TotalChunks(chunkSize int) int {
	if chunkSize <= 0 || a.Size <= 0 {
		return 0
	}
	return int((a.Size + int64(chunkSize) - 1) / int64(chunkSize))
}

// SameContent reports whether two artifacts describe identical bytes.
func (a Artifact) SameContent(b Artifact) bool {
	return a.Size == b.Size && a.SHA256 != "" && a.SHA256 == b.SHA256
}
