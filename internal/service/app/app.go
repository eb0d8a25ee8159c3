// Package app is a line-oriented chat member: every line read from the input
// is sent to the peer over an end-to-end encrypted connection carried by the
// relay.
package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"securechannel/internal/model"
	"securechannel/internal/persist"
	"securechannel/internal/protocol/x3dh"
	"securechannel/internal/session"
	"securechannel/internal/transport/ws"
	"securechannel/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Options struct {
		Host     string
		Identity *x3dh.IdentityBundle
		Session  session.Options

		// Index maps (member, peer) to the live connection id so a restarted
		// member can resume. Nil disables resuming.
		Index    persist.KV
		IndexTTL time.Duration

		Out io.Writer
	}

	App struct {
		identity *x3dh.IdentityBundle
		client   *ws.Client
		sessions *session.Manager

		index    persist.KV
		indexTTL time.Duration

		outMu sync.Mutex
		out   io.Writer

		mu    sync.Mutex
		peers map[string]string
	}
)

func NewApp(ctx context.Context, opts Options) (*App, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.IndexTTL <= 0 {
		opts.IndexTTL = 2 * time.Hour
	}

	a := &App{
		identity: opts.Identity,
		index:    opts.Index,
		indexTTL: opts.IndexTTL,
		out:      opts.Out,
		peers:    make(map[string]string),
	}

	sessionOpts := opts.Session
	sessionOpts.Router = a
	a.sessions = session.NewManager(opts.Identity, sessionOpts)

	client, err := ws.Dial(ctx, opts.Host, opts.Identity.Name, a.handleFrame)
	if err != nil {
		a.sessions.Close(ctx)
		return nil, err
	}
	a.client = client
	return a, nil
}

func (a *App) Name() string { return a.identity.Name }

// Run publishes our bundle, resumes any stored connection to peer and then
// sends every non-empty line of in until in is exhausted or ctx ends.
func (a *App) Run(ctx context.Context, peer string, in io.Reader) error {
	if err := a.PublishBundle(ctx); err != nil {
		return err
	}
	if err := a.Resume(ctx, peer); err != nil {
		log.Warn("resume connection failed", zap.String("peer", peer), zap.Error(err))
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}
		if err := a.SendMessage(ctx, peer, msg); err != nil {
			log.Error("send message failed", zap.String("peer", peer), zap.Error(err))
			a.printf("! not delivered: %v\n", err)
		}
	}
	return scanner.Err()
}

// Stop persists the live connections and closes the socket.
func (a *App) Stop(ctx context.Context) error {
	saveErr := a.SaveState(ctx)
	a.client.Close()
	if err := a.sessions.Close(ctx); err != nil {
		log.Error("close sessions failed", zap.Error(err))
	}
	return saveErr
}

// SendMessage delivers msg to peer, opening a connection first if needed.
func (a *App) SendMessage(ctx context.Context, peer, msg string) error {
	connectionID, err := a.connect(ctx, peer)
	if err != nil {
		return err
	}

	reply, err := a.sessions.Exchange(ctx, connectionID, []byte(msg))
	if err != nil {
		return err
	}
	a.printf("[you] %s (%s)\n", msg, reply)
	return nil
}

func (a *App) handleFrame(_ context.Context, frame model.Frame) ([]byte, error) {
	switch frame.Kind {
	case model.FrameHandshake:
		return nil, a.accept(frame)
	case model.FrameRequest:
		return a.ReceiveMessage(frame)
	default:
		return nil, fmt.Errorf("unexpected frame kind %q", frame.Kind)
	}
}

// ReceiveMessage opens a request frame, shows it and answers with a receipt.
func (a *App) ReceiveMessage(frame model.Frame) ([]byte, error) {
	var req model.SecureRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	_, peer, err := a.sessions.Get(req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if peer != frame.From {
		return nil, fmt.Errorf("connection %s does not belong to %s", req.ConnectionID, frame.From)
	}

	return a.sessions.Respond(req.ConnectionID, req.Envelope, func(msg []byte) ([]byte, error) {
		a.printf("[%s] %s\n", frame.From, msg)
		return []byte("delivered"), nil
	})
}

func (a *App) connectionFor(peer string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.peers[peer]
	return id, ok
}

func (a *App) bind(peer, connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[peer] = connectionID
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
