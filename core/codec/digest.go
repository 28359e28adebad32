package codec

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// HashKind names a whole-file digest algorithm.
type HashKind string

const (
	HashMD5    HashKind = "md5"
	HashSHA256 HashKind = "sha256"
)

var (
	ErrUnsupportedHash = errors.New("unsupported hash type")
	ErrDigestFinalized = errors.New("digest already finalized")
)

// ParseHashKind parses a hash type name case-insensitively. An empty name
// selects MD5, matching devices that never send a hash type.
func ParseHashKind(s string) (HashKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md5":
		return HashMD5, nil
	case "sha256", "sha-256":
		return HashSHA256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedHash, s)
	}
}

func (k HashKind) newHash() (hash.Hash, error) {
	switch k {
	case HashMD5:
		return md5.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHash, string(k))
	}
}

// Digest returns the lowercase hex digest of data.
func Digest(data []byte, kind HashKind) (string, error) {
	h, err := kind.newHash()
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EqualDigest compares two hex digests case-insensitively.
func EqualDigest(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Hasher is an incremental digest. Bytes are folded in with Write and the
// digest is finalized exactly once by Sum; later writes fail.
type Hasher struct {
	kind HashKind
	h    hash.Hash
	n    int64
	sum  string
}

// NewHasher creates an incremental digest of the given kind.
func NewHasher(kind HashKind) (*Hasher, error) {
	h, err := kind.newHash()
	if err != nil {
		return nil, err
	}
	return &Hasher{kind: kind, h: h}, nil
}

// Write folds p into the digest.
func (d *Hasher) Write(p []byte) (int, error) {
	if d.sum != "" {
		return 0, ErrDigestFinalized
	}
	n, _ := d.h.Write(p)
	d.n += int64(n)
	return n, nil
}

// Sum finalizes the digest and returns it as lowercase hex. Repeated calls
// return the same value.
func (d *Hasher) Sum() string {
	if d.sum == "" {
		d.sum = hex.EncodeToString(d.h.Sum(nil))
	}
	return d.sum
}

// Kind returns the digest algorithm.
func (d *Hasher) Kind() HashKind { return d.kind }

// Len returns the number of bytes folded in so far.
func (d *Hasher) Len() int64 { return d.n }

// FileDigests holds both supported digests of a stream.
type FileDigests struct {
	MD5    string
	SHA256 string
	Size   int64
}

// DigestStream copies r to w (which may be nil) while computing MD5 and
// SHA256 in a single pass.
func DigestStream(w io.Writer, r io.Reader) (FileDigests, error) {
	m := md5.New()
	s := sha256.New()
	dst := io.MultiWriter(m, s)
	if w != nil {
		dst = io.MultiWriter(m, s, w)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return FileDigests{}, err
	}
	return FileDigests{
		MD5:    hex.EncodeToString(m.Sum(nil)),
		SHA256: hex.EncodeToString(s.Sum(nil)),
		Size:   n,
	}, nil
}
