package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"securechannel/internal/model"
	"securechannel/internal/session"
	"securechannel/internal/utils/log"

	"go.uber.org/zap"
)

// connect returns the live connection to peer, running X3DH against the
// peer's published bundle when there is none.
func (a *App) connect(ctx context.Context, peer string) (string, error) {
	if id, ok := a.connectionFor(peer); ok {
		if _, _, err := a.sessions.Get(id); err == nil {
			return id, nil
		} else if !errors.Is(err, session.ErrUnknownConnection) {
			return "", err
		}
		// The connection was torn down; start over.
	}

	bundle, err := a.client.FetchBundle(ctx, peer)
	if err != nil {
		return "", err
	}

	hs, err := a.sessions.Initiate(*bundle)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(hs)
	if err != nil {
		return "", err
	}
	if err := a.client.Notify(peer, model.FrameHandshake, data); err != nil {
		a.sessions.Remove(ctx, hs.ConnectionID)
		return "", err
	}

	a.bind(peer, hs.ConnectionID)
	log.Info("handshake sent", zap.String("peer", peer), zap.String("connection_id", hs.ConnectionID))
	return hs.ConnectionID, nil
}

func (a *App) accept(frame model.Frame) error {
	var hs model.X3DHHandshake
	if err := json.Unmarshal(frame.Data, &hs); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if hs.Responder != a.identity.Name || hs.Initiator.Name != frame.From {
		return fmt.Errorf("handshake from %s addressed to %s", hs.Initiator.Name, hs.Responder)
	}

	if err := a.sessions.Accept(hs); err != nil {
		return err
	}
	a.bind(frame.From, hs.ConnectionID)
	return nil
}
