package model

type (
	// X3DHHandshake is sent by the initiator so the responder can run its half
	// of the agreement and bind the new connection.
	X3DHHandshake struct {
		ConnectionID string       `json:"connection_id"`
		Initiator    PublicBundle `json:"initiator"`
		Responder    string       `json:"responder"`
	}
)
