package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"securechannel/internal/model"
	"securechannel/internal/transport"
	"securechannel/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("ws: client closed")

// Handler serves frames that are not replies to our own requests. For
// request frames the returned bytes are sent back as the response.
type Handler func(ctx context.Context, frame model.Frame) ([]byte, error)

// Client is a relay member: one websocket for frames plus plain HTTP for the
// bundle directory.
type Client struct {
	name    string
	host    string
	conn    *websocket.Conn
	handler Handler
	http    *http.Client

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan model.Frame
	closed  bool
	done    chan struct{}
}

// Dial connects to the relay at host as name and starts reading frames.
func Dial(ctx context.Context, host, name string, handler Handler) (*Client, error) {
	params := url.Values{
		"userID": []string{name},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		name:    name,
		host:    host,
		conn:    conn,
		handler: handler,
		http:    http.DefaultClient,
		pending: make(map[string]chan model.Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Name() string { return c.name }

// To binds the client to a peer.
func (c *Client) To(peer string) transport.Transport {
	return transport.Func(func(ctx context.Context, envelope []byte) ([]byte, error) {
		reply, err := c.Request(ctx, peer, model.FrameRequest, envelope)
		if err != nil {
			return nil, err
		}
		return reply.Data, nil
	})
}

// Request sends a frame and waits for the frame that answers it.
func (c *Client) Request(ctx context.Context, to string, kind model.FrameKind, data []byte) (model.Frame, error) {
	frame := model.Frame{
		ID:   uuid.NewString(),
		From: c.name,
		To:   to,
		Kind: kind,
		Data: data,
	}

	ch := make(chan model.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Frame{}, ErrClosed
	}
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return model.Frame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Kind == model.FrameError {
			return reply, fmt.Errorf("peer %s: %s", to, reply.Data)
		}
		return reply, nil
	case <-c.done:
		return model.Frame{}, ErrClosed
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	}
}

// Notify sends a frame without waiting for an answer.
func (c *Client) Notify(to string, kind model.FrameKind, data []byte) error {
	return c.write(model.Frame{
		ID:   uuid.NewString(),
		From: c.name,
		To:   to,
		Kind: kind,
		Data: data,
	})
}

func (c *Client) write(frame model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(&frame)
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		var frame model.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			log.Debug("relay socket closed", zap.String("name", c.name), zap.Error(err))
			return
		}

		if frame.CorrelationID != "" && (frame.Kind == model.FrameResponse || frame.Kind == model.FrameError) {
			c.mu.Lock()
			ch, ok := c.pending[frame.CorrelationID]
			c.mu.Unlock()
			if !ok {
				log.Debug("dropping uncorrelated reply", zap.String("correlation_id", frame.CorrelationID))
				continue
			}
			select {
			case ch <- frame:
			default:
			}
			continue
		}

		// Notifications are served in arrival order so a handshake is bound
		// before the requests sealed on it.
		if frame.Kind == model.FrameRequest {
			go c.serve(frame)
		} else {
			c.serve(frame)
		}
	}
}

func (c *Client) serve(frame model.Frame) {
	if c.handler == nil {
		return
	}
	reply, err := c.handler(context.Background(), frame)
	if frame.Kind != model.FrameRequest {
		if err != nil {
			log.Error("handle frame failed", zap.String("kind", string(frame.Kind)), zap.String("from", frame.From), zap.Error(err))
		}
		return
	}

	out := model.Frame{
		ID:            uuid.NewString(),
		CorrelationID: frame.ID,
		From:          c.name,
		To:            frame.From,
		Kind:          model.FrameResponse,
		Data:          reply,
	}
	if err != nil {
		out.Kind = model.FrameError
		out.Data = []byte(err.Error())
	}
	if err := c.write(out); err != nil {
		log.Error("write reply failed", zap.Error(err))
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Close closes the socket; pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.shutdown()
	return err
}

// FetchBundle reads name's public bundle from the relay directory.
func (c *Client) FetchBundle(ctx context.Context, name string) (*model.PublicBundle, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   fmt.Sprintf("/keys/%s", url.PathEscape(name)),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bundle %s: %s", name, resp.Status)
	}

	var b model.PublicBundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// PublishBundle stores b in the relay directory under b.Name.
func (c *Client) PublishBundle(ctx context.Context, b model.PublicBundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   fmt.Sprintf("/keys/%s", url.PathEscape(b.Name)),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish bundle %s: %s", b.Name, resp.Status)
	}
	return nil
}
