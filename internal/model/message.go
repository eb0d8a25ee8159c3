package model

type FrameKind string

const (
	FrameRequest   FrameKind = "request"
	FrameResponse  FrameKind = "response"
	FrameHandshake FrameKind = "handshake"
	FrameError     FrameKind = "error"
)

type (
	// Frame is the relay unit. Data is an opaque serialized envelope or
	// handshake; the relay never looks inside.
	Frame struct {
		ID            string    `json:"id" validate:"required"`
		CorrelationID string    `json:"correlation_id,omitempty"`
		From          string    `json:"from" validate:"required"`
		To            string    `json:"to" validate:"required"`
		Kind          FrameKind `json:"kind" validate:"required"`
		Data          []byte    `json:"data,omitempty"`
	}
)

type (
	// SecureRequest is the Data of a request frame between members: the
	// serialized envelope and the connection it was sealed on.
	SecureRequest struct {
		ConnectionID string `json:"connection_id" validate:"required"`
		Envelope     []byte `json:"envelope" validate:"required"`
	}
)
