// Package session owns the live connections of one member: it runs X3DH to
// open them, routes envelopes through them, persists their state and tears
// them down on terminal errors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"securechannel/internal/metrics"
	"securechannel/internal/model"
	"securechannel/internal/persist"
	"securechannel/internal/protocol/doubleratchet"
	"securechannel/internal/protocol/envelope"
	"securechannel/internal/protocol/errs"
	"securechannel/internal/protocol/x3dh"
	"securechannel/internal/transport"
	"securechannel/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownConnection = errors.New("session: unknown connection")
	ErrDuplicate         = errors.New("session: connection id already in use")
	ErrNoTransport       = errors.New("session: no transport configured")
)

type Options struct {
	MembershipID string
	Ratchet      doubleratchet.Config

	// States receives connection snapshots on Save; Recoveries receives
	// skipped-key snapshots from the flusher. Either may be nil.
	States     persist.Store
	Recoveries persist.Store

	Router        transport.Router
	Observer      doubleratchet.Observer
	FlushInterval time.Duration
	Clock         func() time.Time
}

type entry struct {
	conn *doubleratchet.Connection
	peer string
}

// Manager is safe for concurrent use. Its map lock is never held while a
// connection method runs.
type Manager struct {
	identity *x3dh.IdentityBundle
	opts     Options

	mu    sync.RWMutex
	conns map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewManager(identity *x3dh.IdentityBundle, opts Options) *Manager {
	if opts.MembershipID == "" {
		opts.MembershipID = "default"
	}
	if opts.Observer == nil {
		opts.Observer = metrics.Observer{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	m := &Manager{
		identity: identity,
		opts:     opts,
		conns:    make(map[string]*entry),
		stop:     make(chan struct{}),
	}
	if opts.Recoveries != nil {
		m.wg.Add(1)
		go m.flushLoop()
	}
	return m
}

func (m *Manager) connectionOptions() []doubleratchet.Option {
	return []doubleratchet.Option{
		doubleratchet.WithClock(m.opts.Clock),
		doubleratchet.WithObserver(m.opts.Observer),
	}
}

// Initiate runs the initiator side of X3DH against peer and returns the
// handshake the responder needs.
func (m *Manager) Initiate(peer model.PublicBundle) (*model.X3DHHandshake, error) {
	connectionID := uuid.NewString()

	agreement, err := x3dh.Agree(m.identity, peer, true)
	if err != nil {
		return nil, fmt.Errorf("x3dh with %s: %w", peer.Name, err)
	}
	defer agreement.Wipe()

	if err := m.open(connectionID, peer.Name, true, agreement, peer.EphemeralKey); err != nil {
		return nil, err
	}

	log.Info("connection initiated", zap.String("connection_id", connectionID), zap.String("peer", peer.Name))
	return &model.X3DHHandshake{
		ConnectionID: connectionID,
		Initiator:    m.identity.Public(),
		Responder:    peer.Name,
	}, nil
}

// Accept runs the responder side of X3DH for a received handshake.
func (m *Manager) Accept(hs model.X3DHHandshake) error {
	if hs.ConnectionID == "" {
		return fmt.Errorf("%w: handshake without connection id", errs.ErrInvalidBundle)
	}

	agreement, err := x3dh.Agree(m.identity, hs.Initiator, false)
	if err != nil {
		return fmt.Errorf("x3dh with %s: %w", hs.Initiator.Name, err)
	}
	defer agreement.Wipe()

	if err := m.open(hs.ConnectionID, hs.Initiator.Name, false, agreement, hs.Initiator.EphemeralKey); err != nil {
		return err
	}
	log.Info("connection accepted", zap.String("connection_id", hs.ConnectionID), zap.String("peer", hs.Initiator.Name))
	return nil
}

// open creates and finalizes a connection whose persistent DH key is the
// X3DH ephemeral key pair.
func (m *Manager) open(connectionID, peer string, initiator bool, a *x3dh.Agreement, peerEphemeral []byte) error {
	kp, err := m.identity.EphemeralKeyPair()
	if err != nil {
		return err
	}

	opts := append(m.connectionOptions(), doubleratchet.WithPersistentKey(kp))
	conn, err := doubleratchet.New(connectionID, initiator, a.RootKey, a.SendingChainKey, m.opts.Ratchet, opts...)
	if err != nil {
		kp.Wipe()
		return err
	}
	if err := conn.Finalize(peerEphemeral); err != nil {
		conn.Dispose()
		return err
	}
	if err := m.add(connectionID, peer, conn); err != nil {
		conn.Dispose()
		return err
	}
	return nil
}

// Create registers a connection built from externally agreed keys. It stays
// in the Created state until Finalize is called on it.
func (m *Manager) Create(connectionID, peer string, isInitiator bool, rootKey, chainKey []byte) (*doubleratchet.Connection, error) {
	conn, err := doubleratchet.New(connectionID, isInitiator, rootKey, chainKey, m.opts.Ratchet, m.connectionOptions()...)
	if err != nil {
		return nil, err
	}
	if err := m.add(connectionID, peer, conn); err != nil {
		conn.Dispose()
		return nil, err
	}
	return conn, nil
}

func (m *Manager) add(connectionID, peer string, conn *doubleratchet.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connectionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, connectionID)
	}
	m.conns[connectionID] = &entry{conn: conn, peer: peer}
	metrics.SessionsActive.Inc()
	return nil
}

func (m *Manager) lookup(connectionID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return e, nil
}

// Get returns the live connection and its peer name.
func (m *Manager) Get(connectionID string) (*doubleratchet.Connection, string, error) {
	e, err := m.lookup(connectionID)
	if err != nil {
		return nil, "", err
	}
	return e.conn, e.peer, nil
}

// Len is the number of live connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// EncryptOutbound seals plaintext on connectionID and returns the wire bytes.
func (m *Manager) EncryptOutbound(connectionID string, plaintext []byte, opts doubleratchet.SendOptions) ([]byte, error) {
	e, err := m.lookup(connectionID)
	if err != nil {
		return nil, err
	}

	env, err := e.conn.EncryptOutbound(plaintext, opts)
	if err == nil {
		var data []byte
		data, err = env.MarshalBinary()
		if err == nil {
			metrics.EnvelopesTotal.WithLabelValues("outbound", "ok").Inc()
			return data, nil
		}
	}
	metrics.EnvelopesTotal.WithLabelValues("outbound", metrics.Result(err)).Inc()
	m.onError(connectionID, e, err)
	return nil, err
}

// DecryptInbound opens wire bytes received on connectionID.
func (m *Manager) DecryptInbound(connectionID string, data []byte) ([]byte, *envelope.Metadata, error) {
	e, err := m.lookup(connectionID)
	if err != nil {
		return nil, nil, err
	}

	plain, meta, err := m.decrypt(e, data)
	metrics.EnvelopesTotal.WithLabelValues("inbound", metrics.Result(err)).Inc()
	if err != nil {
		m.onError(connectionID, e, err)
		return nil, meta, err
	}
	return plain, meta, nil
}

func (m *Manager) decrypt(e *entry, data []byte) ([]byte, *envelope.Metadata, error) {
	env, err := envelope.UnmarshalEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	return e.conn.DecryptInboundWithMetadata(env)
}

// Exchange encrypts a request, sends it to the connection's peer and
// decrypts the response.
func (m *Manager) Exchange(ctx context.Context, connectionID string, plaintext []byte) ([]byte, error) {
	if m.opts.Router == nil {
		return nil, ErrNoTransport
	}
	e, err := m.lookup(connectionID)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	request, err := m.EncryptOutbound(connectionID, plaintext, doubleratchet.SendOptions{
		Type:          envelope.TypeRequest,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}

	response, err := m.opts.Router.To(e.peer).SendRawBytes(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", e.peer, err)
	}

	plain, meta, err := m.DecryptInbound(connectionID, response)
	if err != nil {
		return nil, err
	}
	if meta.CorrelationID != correlationID {
		log.Warn("response correlation mismatch", zap.String("connection_id", connectionID), zap.String("want", correlationID), zap.String("got", meta.CorrelationID))
	}
	return plain, nil
}

// Respond serves a request envelope: it decrypts data, passes the plaintext
// to handle and seals handle's answer as the correlated response.
func (m *Manager) Respond(connectionID string, data []byte, handle func(request []byte) ([]byte, error)) ([]byte, error) {
	plain, meta, err := m.DecryptInbound(connectionID, data)
	if err != nil {
		return nil, err
	}

	var resultCode int32
	answer, err := handle(plain)
	if err != nil {
		resultCode = -1
		answer = []byte(err.Error())
	}
	return m.EncryptOutbound(connectionID, answer, doubleratchet.SendOptions{
		Type:          envelope.TypeResponse,
		CorrelationID: meta.CorrelationID,
		ResultCode:    resultCode,
	})
}

func (m *Manager) onError(connectionID string, e *entry, err error) {
	if !errs.IsTerminal(err) {
		return
	}
	log.Warn("tearing down connection", zap.String("connection_id", connectionID), zap.String("peer", e.peer), zap.Error(err))
	m.remove(connectionID, e)
}

// remove drops e if it is still the entry registered under connectionID.
func (m *Manager) remove(connectionID string, e *entry) {
	m.mu.Lock()
	cur, ok := m.conns[connectionID]
	if ok && cur == e {
		delete(m.conns, connectionID)
		metrics.SessionsActive.Dec()
	}
	m.mu.Unlock()

	e.conn.Dispose()
}

// Remove disposes the connection and deletes its persisted state.
func (m *Manager) Remove(ctx context.Context, connectionID string) error {
	e, err := m.lookup(connectionID)
	if err != nil {
		return err
	}
	m.remove(connectionID, e)

	var errList []error
	if m.opts.States != nil {
		errList = append(errList, m.opts.States.Delete(ctx, connectionID, m.opts.MembershipID))
	}
	if m.opts.Recoveries != nil {
		errList = append(errList, m.opts.Recoveries.Delete(ctx, connectionID, m.opts.MembershipID))
	}
	return errors.Join(errList...)
}

// Close stops the flusher, flushes once more and disposes every connection.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	err := m.FlushRecovery(ctx)

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range conns {
		e.conn.Dispose()
		metrics.SessionsActive.Dec()
	}
	return err
}
