package app

import (
	"context"
	"errors"
	"fmt"

	"securechannel/internal/session"

	"github.com/redis/go-redis/v9"
)

func indexKey(from, to string) string {
	return fmt.Sprintf("conn:%s:%s", from, to)
}

// SaveState stores every bound connection and indexes it by peer.
func (a *App) SaveState(ctx context.Context) error {
	if a.index == nil {
		return nil
	}

	a.mu.Lock()
	peers := make(map[string]string, len(a.peers))
	for peer, id := range a.peers {
		peers[peer] = id
	}
	a.mu.Unlock()

	var errList []error
	for peer, id := range peers {
		if err := a.sessions.Save(ctx, id); err != nil {
			if !errors.Is(err, session.ErrUnknownConnection) {
				errList = append(errList, fmt.Errorf("save %s: %w", peer, err))
			}
			continue
		}
		if err := a.index.Set(ctx, indexKey(a.identity.Name, peer), id, a.indexTTL); err != nil {
			errList = append(errList, fmt.Errorf("index %s: %w", peer, err))
		}
	}
	return errors.Join(errList...)
}

// Resume restores the stored connection to peer, if any.
func (a *App) Resume(ctx context.Context, peer string) error {
	if a.index == nil {
		return nil
	}

	id, err := a.index.Get(ctx, indexKey(a.identity.Name, peer))
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := a.sessions.Load(ctx, id); err != nil {
		if errors.Is(err, session.ErrUnknownConnection) {
			return nil
		}
		return err
	}
	a.bind(peer, id)
	return nil
}
