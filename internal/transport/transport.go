// Package transport defines how serialized envelopes leave the process.
package transport

import "context"

// Transport carries one serialized request envelope to the peer and returns
// the serialized response envelope.
type Transport interface {
	SendRawBytes(ctx context.Context, envelope []byte) ([]byte, error)
}

// Router hands out a Transport bound to a peer.
type Router interface {
	To(peer string) Transport
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, envelope []byte) ([]byte, error)

func (f Func) SendRawBytes(ctx context.Context, envelope []byte) ([]byte, error) {
	return f(ctx, envelope)
}
