package envelope

import (
	"encoding/binary"
	"fmt"
	"time"

	"securechannel/internal/protocol/errs"
)

// version, resultCode, timestamp, headerNonce, flags
const headerSize = 1 + 4 + 8 + NonceSize + 1

// MaxMetadataSize bounds the metadata length field read from the wire.
const MaxMetadataSize = 4096

// MarshalBinary encodes e in its little-endian wire layout.
func (e *SecureEnvelope) MarshalBinary() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	size := headerSize + len(e.DHPublicKey) + 4 + len(e.EncryptedMetadata) + 4 + len(e.EncryptedPayload) + TagSize
	b := make([]byte, 0, size)
	b = append(b, e.associatedData()...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.EncryptedMetadata)))
	b = append(b, e.EncryptedMetadata...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.EncryptedPayload)))
	b = append(b, e.EncryptedPayload...)
	b = append(b, e.AuthenticationTag[:]...)
	return b, nil
}

// UnmarshalEnvelope decodes the wire layout produced by MarshalBinary.
func UnmarshalEnvelope(data []byte) (*SecureEnvelope, error) {
	r := reader{buf: data}

	env := &SecureEnvelope{}
	env.Version = r.u8()
	if !r.ok() || env.Version != Version {
		return nil, fmt.Errorf("%w: version", errs.ErrMalformedEnvelope)
	}
	env.ResultCode = int32(r.u32())
	env.Timestamp = time.UnixMilli(int64(r.u64()))
	copy(env.HeaderNonce[:], r.next(NonceSize))
	flags := r.u8()
	if flags&^flagDHPublicKey != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", errs.ErrMalformedEnvelope, flags)
	}
	if flags&flagDHPublicKey != 0 {
		env.DHPublicKey = clone(r.next(DHKeySize))
	}

	metaLen := r.u32()
	if metaLen > MaxMetadataSize {
		return nil, fmt.Errorf("%w: metadata length %d", errs.ErrMalformedEnvelope, metaLen)
	}
	env.EncryptedMetadata = clone(r.next(int(metaLen)))

	payloadLen := r.u32()
	if !r.ok() || uint64(payloadLen)+TagSize != uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: payload length %d", errs.ErrMalformedEnvelope, payloadLen)
	}
	env.EncryptedPayload = clone(r.next(int(payloadLen)))
	copy(env.AuthenticationTag[:], r.next(TagSize))

	if !r.ok() {
		return nil, fmt.Errorf("%w: truncated", errs.ErrMalformedEnvelope)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// reader is a bounds-checked cursor; after the first short read every
// accessor returns zero values and ok reports false.
type reader struct {
	buf   []byte
	off   int
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || n < 0 || len(r.buf)-r.off < n {
		r.short = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) ok() bool { return !r.short }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
