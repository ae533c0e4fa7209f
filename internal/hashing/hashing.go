// Package hashing derives content identifiers for transfers.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// blockSize bounds how much is hashed between context checks.
const blockSize = 1 << 20

var ErrUnknownHash = errors.New("unknown hash")

// Hasher computes a hex digest of a buffer. Sum returns ctx.Err() when the
// context ends before hashing finishes.
type Hasher interface {
	Name() string
	Sum(ctx context.Context, data []byte) (string, error)
}

type digest struct {
	name string
	new  func() hash.Hash
}

func (d digest) Name() string { return d.name }

func (d digest) Sum(ctx context.Context, data []byte) (string, error) {
	h := d.new()
	for off := 0; off < len(data); off += blockSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(off+blockSize, len(data))
		h.Write(data[off:end])
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256 is the default content hash.
func SHA256() Hasher {
	return digest{name: "sha256", new: sha256.New}
}

func BLAKE2b() Hasher {
	return digest{name: "blake2b", new: func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}}
}

func ByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256":
		return SHA256(), nil
	case "blake2b", "blake2b-256":
		return BLAKE2b(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
}
