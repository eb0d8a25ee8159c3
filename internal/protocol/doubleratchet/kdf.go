package doubleratchet

import "securechannel/internal/cryptographic/kdf"

const infoFinalize = "finalize"

// KDFRootKey derives a new RootKey and ChainKey from the old root key + DH output.
// The old root key acts as HKDF salt, info = "dh-ratchet".
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	return kdf.RootStep(rootKey, dhOut)
}

// KDFChainKey derives the MessageKey at the chain's current position and the next ChainKey.
func KDFChainKey(chainKey []byte) (msgKey, nextChainKey []byte, err error) {
	return kdf.ChainStep(chainKey)
}

// KDFFinalize mixes the first DH output of a connection into the root key and
// yields the initial chain keys of both directions. ck1 is the initiator's
// sending chain.
func KDFFinalize(rootKey, dhOut []byte) (newRootKey, ck1, ck2 []byte, err error) {
	parts, err := kdf.Split(dhOut, rootKey, infoFinalize, 3)
	if err != nil {
		return nil, nil, nil, err
	}
	return parts[0], parts[1], parts[2], nil
}
