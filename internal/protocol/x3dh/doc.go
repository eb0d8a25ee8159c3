// Package x3dh implements the X3DH key agreement that bootstraps a channel.
//
// # Overview
//
// Both parties hold an IdentityBundle: an Ed25519 signing key, an X25519
// identity key, a signed prekey and an ephemeral key. The public halves travel
// as a model.PublicBundle.
//
// Initiator:
//  1. Validate the peer bundle (key sizes, small-order points, SPK signature).
//  2. Compute DH(IKa, SPKb), DH(EKa, IKb), DH(EKa, SPKb), DH(EKa, EKb).
//  3. Concatenate the outputs into the 128-byte shared secret.
//  4. HKDF the secret into the root key and a chain secret, then expand the
//     chain secret into the sender and receiver chain keys.
//
// Responder runs the swapped pairings, arriving at the same four values, and
// takes the opposite chain key for sending.
//
// # Errors
//
// errs.ErrInvalidBundle, errs.ErrInvalidKeySize and errs.ErrInvalidSignature
// are returned before any DH is computed.
package x3dh
