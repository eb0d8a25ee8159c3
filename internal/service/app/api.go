package app

import (
	"context"
	"encoding/json"
	"fmt"

	"securechannel/internal/model"
	"securechannel/internal/transport"
)

// To implements transport.Router: the envelope travels in a request frame
// tagged with the connection currently bound to peer.
func (a *App) To(peer string) transport.Transport {
	next := a.client.To(peer)
	return transport.Func(func(ctx context.Context, envelope []byte) ([]byte, error) {
		connectionID, ok := a.connectionFor(peer)
		if !ok {
			return nil, fmt.Errorf("no connection to %s", peer)
		}

		data, err := json.Marshal(model.SecureRequest{ConnectionID: connectionID, Envelope: envelope})
		if err != nil {
			return nil, err
		}
		return next.SendRawBytes(ctx, data)
	})
}
