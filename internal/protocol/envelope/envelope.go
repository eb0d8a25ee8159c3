// Package envelope builds and opens SecureEnvelopes.
//
// An envelope carries its routing metadata encrypted under the chain's
// header key and its payload encrypted under a single-use message key. Both
// AEADs bind the same associated data: the clear fields of the envelope.
package envelope

import (
	"encoding/binary"
	"fmt"
	"time"

	"securechannel/internal/cryptographic/encryption"
	"securechannel/internal/protocol/errs"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	Version byte = 0x01

	NonceSize = encryption.NonceSize
	TagSize   = encryption.TagSize
	DHKeySize = 32

	flagDHPublicKey byte = 1 << 0
)

type MessageType uint8

const (
	TypeRequest MessageType = iota + 1
	TypeResponse
	TypeNotification
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotification:
		return "notification"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Metadata is encrypted under the header key. Nonce is the payload nonce.
type Metadata struct {
	_ struct{} `cbor:",toarray"`

	EnvelopeID    uuid.UUID
	ChannelKeyID  uint32
	Nonce         [NonceSize]byte
	RatchetIndex  uint32
	Type          MessageType
	CorrelationID string
}

type SecureEnvelope struct {
	Version           byte
	ResultCode        int32
	Timestamp         time.Time
	HeaderNonce       [NonceSize]byte
	DHPublicKey       []byte
	EncryptedMetadata []byte
	EncryptedPayload  []byte
	AuthenticationTag [TagSize]byte
}

// Keys are borrowed for the duration of a call and never retained.
type Keys struct {
	Header  []byte
	Message []byte
}

type Options struct {
	ResultCode  int32
	Timestamp   time.Time
	DHPublicKey []byte
}

// KeyUser hands out a message key for one scoped use.
type KeyUser interface {
	Use(fn func(key []byte) error) error
}

// Resolver maps authenticated metadata to the message key of the payload.
type Resolver func(meta *Metadata) (KeyUser, error)

// StaticKey is a KeyUser over a caller owned key.
type StaticKey []byte

func (k StaticKey) Use(fn func(key []byte) error) error { return fn(k) }

// CreateRequestEnvelope encrypts meta under keys.Header and payload under
// keys.Message with meta.Nonce.
func CreateRequestEnvelope(payload []byte, keys Keys, meta Metadata, opts Options) (*SecureEnvelope, error) {
	if len(opts.DHPublicKey) != 0 && len(opts.DHPublicKey) != DHKeySize {
		return nil, fmt.Errorf("envelope dh key: %w", errs.ErrInvalidKeySize)
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	env := &SecureEnvelope{
		Version:     Version,
		ResultCode:  opts.ResultCode,
		Timestamp:   time.UnixMilli(ts.UnixMilli()),
		DHPublicKey: append([]byte(nil), opts.DHPublicKey...),
	}
	if len(env.DHPublicKey) == 0 {
		env.DHPublicKey = nil
	}

	headerNonce, err := encryption.RandomNonce()
	if err != nil {
		return nil, err
	}
	copy(env.HeaderNonce[:], headerNonce)

	aad := env.associatedData()

	plainMeta, err := cbor.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	env.EncryptedMetadata, err = encryption.AEADEncrypt(keys.Header, env.HeaderNonce[:], plainMeta, aad)
	if err != nil {
		return nil, err
	}

	ct, tag, err := encryption.AEADEncryptDetached(keys.Message, meta.Nonce[:], payload, aad)
	if err != nil {
		return nil, err
	}
	env.EncryptedPayload = ct
	copy(env.AuthenticationTag[:], tag)
	return env, nil
}

// OpenMetadata authenticates and decodes the metadata of env.
func OpenMetadata(env *SecureEnvelope, headerKey []byte) (*Metadata, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	plain, err := encryption.AEADDecrypt(headerKey, env.HeaderNonce[:], env.EncryptedMetadata, env.associatedData())
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	var meta Metadata
	if err := cbor.Unmarshal(plain, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", errs.ErrMalformedEnvelope, err)
	}
	return &meta, nil
}

// OpenPayload authenticates and decrypts the payload of env.
func OpenPayload(env *SecureEnvelope, meta *Metadata, messageKey []byte) ([]byte, error) {
	plain, err := encryption.AEADDecryptDetached(messageKey, meta.Nonce[:], env.EncryptedPayload, env.AuthenticationTag[:], env.associatedData())
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return plain, nil
}

// DecryptResponseEnvelope opens the metadata with headerKey, asks resolve for
// the message key and decrypts the payload with it.
func DecryptResponseEnvelope(env *SecureEnvelope, headerKey []byte, resolve Resolver) ([]byte, *Metadata, error) {
	meta, err := OpenMetadata(env, headerKey)
	if err != nil {
		return nil, nil, err
	}
	key, err := resolve(meta)
	if err != nil {
		return nil, meta, err
	}
	if key == nil {
		return nil, meta, errs.ErrKeyNotFound
	}

	var plain []byte
	err = key.Use(func(mk []byte) error {
		var openErr error
		plain, openErr = OpenPayload(env, meta, mk)
		return openErr
	})
	if err != nil {
		return nil, meta, err
	}
	return plain, meta, nil
}

func (e *SecureEnvelope) flags() byte {
	var f byte
	if len(e.DHPublicKey) > 0 {
		f |= flagDHPublicKey
	}
	return f
}

// associatedData is the clear prefix of the wire encoding.
func (e *SecureEnvelope) associatedData() []byte {
	b := make([]byte, 0, headerSize+DHKeySize)
	b = append(b, e.Version)
	b = binary.LittleEndian.AppendUint32(b, uint32(e.ResultCode))
	b = binary.LittleEndian.AppendUint64(b, uint64(e.Timestamp.UnixMilli()))
	b = append(b, e.HeaderNonce[:]...)
	b = append(b, e.flags())
	b = append(b, e.DHPublicKey...)
	return b
}

func (e *SecureEnvelope) validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", errs.ErrMalformedEnvelope)
	}
	if e.Version != Version {
		return fmt.Errorf("%w: version %#x", errs.ErrMalformedEnvelope, e.Version)
	}
	if len(e.DHPublicKey) != 0 && len(e.DHPublicKey) != DHKeySize {
		return fmt.Errorf("%w: dh key of %d bytes", errs.ErrMalformedEnvelope, len(e.DHPublicKey))
	}
	if len(e.EncryptedMetadata) < TagSize {
		return fmt.Errorf("%w: metadata too short", errs.ErrMalformedEnvelope)
	}
	return nil
}
