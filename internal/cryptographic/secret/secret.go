// Package secret handles in-place erasure of key material.
//
// Every overwrite or drop of a root key, chain key, message key or DH private
// key goes through Wipe, which is backed by memguard's non-elidable wipe.
// Long-term private keys are kept sealed in memguard enclaves and only opened
// for the duration of a single computation.
package secret

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Wipe zeroes every buffer.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		if len(b) > 0 {
			memguard.WipeBytes(b)
		}
	}
}

// Clone returns an independent copy of b, or nil for an empty b.
func Clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Replace wipes the current contents of *dst and stores a copy of src.
func Replace(dst *[]byte, src []byte) {
	Wipe(*dst)
	*dst = Clone(src)
}

// Equal compares in constant time.
func Equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// IsZero reports whether b is empty or all zero bytes.
func IsZero(b []byte) bool {
	var v byte
	for _, c := range b {
		v |= c
	}
	return v == 0
}

// Seal moves src into an encrypted enclave. src is wiped.
func Seal(src []byte) *memguard.Enclave {
	return memguard.NewEnclave(src)
}

// Open decrypts e into a locked buffer for the duration of fn.
func Open(e *memguard.Enclave, fn func(key []byte) error) error {
	buf, err := e.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
