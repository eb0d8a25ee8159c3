// Package doubleratchet implements the connection state of the channel: the
// symmetric sending and receiving chains, the DH root ratchet, skipped-key
// recovery and replay protection.
//
// A Connection is created from the X3DH agreement, finalized with the peer's
// initial DH public key and then used through EncryptOutbound and
// DecryptInbound. Message keys never leave their owning chain or recovery
// store; callers get a KeyHandle that resolves the key for exactly one use.
package doubleratchet
