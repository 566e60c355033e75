package tpmdecrypt

import (
	"github.com/awnumar/memguard"
)

// ValidKeySize reports whether n is an AES-128, AES-192 or AES-256 key length.
func ValidKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// KeyMaterial holds an AES key in guarded memory (mlocked, guard pages,
// read-only). Destroy zeroes it.
type KeyMaterial struct {
	buf *memguard.LockedBuffer
}

// NewKeyMaterial moves b into guarded memory. b is wiped whether or not
// the length is valid.
func NewKeyMaterial(b []byte) (*KeyMaterial, error) {
	if !ValidKeySize(len(b)) {
		memguard.WipeBytes(b)
		return nil, &KeySizeError{Size: len(b)}
	}
	buf := memguard.NewBufferFromBytes(b)
	buf.Freeze()
	return &KeyMaterial{buf: buf}, nil
}

// Bytes aliases the guarded buffer. Do not retain it past Destroy.
func (k *KeyMaterial) Bytes() []byte {
	if !k.Alive() {
		return nil
	}
	return k.buf.Bytes()
}

func (k *KeyMaterial) Len() int {
	if !k.Alive() {
		return 0
	}
	return k.buf.Size()
}

func (k *KeyMaterial) Alive() bool {
	return k != nil && k.buf != nil && k.buf.IsAlive()
}

// Destroy is idempotent.
func (k *KeyMaterial) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}
