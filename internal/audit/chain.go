// Package audit implements the tamper-evident, hash-chained audit log of
// actions taken on patient records.
//
// Every entry's hash covers its own fields plus the previous entry's hash,
// so editing, deleting or reordering any past entry breaks every link after
// it. The first entry links to GenesisHash.
//
// # Canonical serialization (v1)
//
// The digest input is the concatenation of five netstrings, in this order:
//
//	role, action, details, timestamp, prev_hash
//
// where each field is written as "<byte length in decimal>:<utf-8 bytes>,"
// and timestamp is the decimal count of microseconds since the Unix epoch
// (UTC). The stored hash is the lowercase hex encoding of the digest. The
// format is length-prefixed, so free-text details cannot shift bytes into a
// neighbouring field.
package audit

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// GenesisHash is the prev_hash of the first entry. It has the length of a
// hex digest but contains non-hex characters, so no real digest equals it.
const GenesisHash = "genesis:" + "00000000000000000000000000000000000000000000000000000000"

// HashLen is the length of every stored hash and prev_hash value.
const HashLen = 64

// Digest names a 256-bit cryptographic hash used for the chain.
type Digest string

const (
	SHA256     Digest = "sha256"
	SHA512_256 Digest = "sha512-256"
	SHA3_256   Digest = "sha3-256"
	BLAKE2b256 Digest = "blake2b-256"
)

// ParseDigest maps a config value to a Digest. Empty selects SHA-256.
func ParseDigest(s string) (Digest, error) {
	switch d := Digest(s); d {
	case "":
		return SHA256, nil
	case SHA256, SHA512_256, SHA3_256, BLAKE2b256:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported audit digest %q (use sha256, sha512-256, sha3-256 or blake2b-256)", s)
	}
}

func (d Digest) new() hash.Hash {
	switch d {
	case SHA512_256:
		return sha512.New512_256()
	case SHA3_256:
		return sha3.New256()
	case BLAKE2b256:
		// Only fails for keys longer than 64 bytes.
		h, _ := blake2b.New256(nil)
		return h
	default:
		return sha256.New()
	}
}

// computeHash returns the hex digest of the entry's canonical serialization.
// Seq and the stored Hash are not part of the input.
func computeHash(d Digest, e *Entry) string {
	h := d.new()
	writeCanonical(h, e)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalBytes returns the exact digest input for e.
func CanonicalBytes(e *Entry) []byte {
	var b canonicalBuffer
	writeCanonical(&b, e)
	return b
}

func writeCanonical(w io.Writer, e *Entry) {
	writeField(w, string(e.Role))
	writeField(w, string(e.Action))
	writeField(w, e.Details)
	writeField(w, strconv.FormatInt(e.Timestamp.UnixMicro(), 10))
	writeField(w, e.PrevHash)
}

func writeField(w io.Writer, s string) {
	io.WriteString(w, strconv.Itoa(len(s)))
	io.WriteString(w, ":")
	io.WriteString(w, s)
	io.WriteString(w, ",")
}

type canonicalBuffer []byte

func (b *canonicalBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// normalizeTime maps t to the precision the chain stores: UTC, whole
// microseconds, no monotonic reading.
func normalizeTime(t time.Time) time.Time {
	return time.UnixMicro(t.UnixMicro()).UTC()
}
