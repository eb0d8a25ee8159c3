package model

type (
	// PublicBundle is the public half of a party's key material, as published
	// to the bundle directory and carried in the initiator's handshake.
	PublicBundle struct {
		Name                  string          `json:"name" bson:"name"`
		IdentitySigningKey    []byte          `json:"identity_signing_key" bson:"identity_signing_key"`
		IdentityKey           []byte          `json:"identity_key" bson:"identity_key"`
		SignedPreKeyID        uint32          `json:"signed_pre_key_id" bson:"signed_pre_key_id"`
		SignedPreKey          []byte          `json:"signed_pre_key" bson:"signed_pre_key"`
		SignedPreKeySignature []byte          `json:"signed_pre_key_signature" bson:"signed_pre_key_signature"`
		EphemeralKey          []byte          `json:"ephemeral_key" bson:"ephemeral_key"`
		OneTimePreKeys        []OneTimePreKey `json:"one_time_pre_keys,omitempty" bson:"one_time_pre_keys,omitempty"`
	}

	OneTimePreKey struct {
		ID  uint32 `json:"id" bson:"id"`
		Key []byte `json:"key" bson:"key"`
	}
)
