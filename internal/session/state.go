package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/doubleratchet"
	"securechannel/internal/utils/log"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// storedState wraps a connection snapshot with the routing data the
// connection itself does not know.
type storedState struct {
	Peer       string `cbor:"1,keyasint"`
	Connection []byte `cbor:"2,keyasint"`
}

// Save writes the connection's snapshot to the state store.
func (m *Manager) Save(ctx context.Context, connectionID string) error {
	if m.opts.States == nil {
		return errors.New("session: no state store configured")
	}
	e, err := m.lookup(connectionID)
	if err != nil {
		return err
	}

	snap, err := e.conn.SerializeState()
	if err != nil {
		return err
	}
	defer secret.Wipe(snap)

	data, err := cbor.Marshal(storedState{Peer: e.peer, Connection: snap})
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	defer secret.Wipe(data)

	return m.opts.States.Save(ctx, connectionID, m.opts.MembershipID, data)
}

// Load restores a connection from the state store, together with its
// skipped keys when a recovery store is configured.
func (m *Manager) Load(ctx context.Context, connectionID string) (*doubleratchet.Connection, error) {
	if m.opts.States == nil {
		return nil, errors.New("session: no state store configured")
	}
	data, err := m.opts.States.Load(ctx, connectionID, m.opts.MembershipID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: no stored state for %s", ErrUnknownConnection, connectionID)
	}

	var st storedState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	defer secret.Wipe(st.Connection)

	conn, err := doubleratchet.RestoreState(st.Connection, m.opts.Ratchet, m.connectionOptions()...)
	if err != nil {
		return nil, err
	}

	if m.opts.Recoveries != nil {
		keys, err := m.opts.Recoveries.Load(ctx, connectionID, m.opts.MembershipID)
		if err == nil && keys != nil {
			err = conn.Recovery().UnmarshalBinary(keys)
		}
		if err != nil {
			conn.Dispose()
			return nil, fmt.Errorf("restore skipped keys: %w", err)
		}
	}

	if err := m.add(connectionID, st.Peer, conn); err != nil {
		conn.Dispose()
		return nil, err
	}
	return conn, nil
}

// FlushRecovery writes every dirty skipped-key store to the recovery store.
func (m *Manager) FlushRecovery(ctx context.Context) error {
	if m.opts.Recoveries == nil {
		return nil
	}

	m.mu.RLock()
	entries := make(map[string]*entry, len(m.conns))
	for id, e := range m.conns {
		entries[id] = e
	}
	m.mu.RUnlock()

	var errList []error
	for id, e := range entries {
		store := e.conn.Recovery()
		if !store.Dirty() {
			continue
		}
		data, err := store.MarshalBinary()
		if err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", id, err))
			continue
		}
		err = m.opts.Recoveries.Save(ctx, id, m.opts.MembershipID, data)
		secret.Wipe(data)
		if err != nil {
			store.MarkDirty()
			errList = append(errList, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errList...)
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushInterval)
			if err := m.FlushRecovery(ctx); err != nil {
				log.Error("flush skipped keys failed", zap.Error(err))
			}
			cancel()
		}
	}
}
