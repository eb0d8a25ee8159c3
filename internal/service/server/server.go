package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"securechannel/internal/metrics"
	"securechannel/internal/model"
	"securechannel/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type (
	// BundleStore is the public bundle directory.
	BundleStore interface {
		GetByName(ctx context.Context, name string) (*model.PublicBundle, error)
		Put(ctx context.Context, b model.PublicBundle) error
	}

	// Queue holds frames for members that are offline.
	Queue interface {
		RPush(ctx context.Context, key string, values ...any) error
		Drain(ctx context.Context, key string) ([]string, error)
		Expire(ctx context.Context, key string, ttl time.Duration) error
	}

	member struct {
		conn    *websocket.Conn
		writeMu sync.Mutex
	}

	// HttpServer relays opaque frames between members and serves the bundle
	// directory. It never sees plaintext or keys.
	HttpServer struct {
		mu       sync.RWMutex
		mapper   map[string]*member
		bundles  BundleStore
		queue    Queue
		queueTTL time.Duration
	}
)

func NewHttpServer(bundles BundleStore, queue Queue) *HttpServer {
	return &HttpServer{
		mapper:   make(map[string]*member),
		bundles:  bundles,
		queue:    queue,
		queueTTL: 24 * time.Hour,
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}", s.GetBundle()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}", s.PutBundle()).Methods(http.MethodPut)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, taken := s.mapper[userID]
		s.mu.RUnlock()
		if taken {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		m := &member{conn: conn}
		s.mu.Lock()
		if _, taken := s.mapper[userID]; taken {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.mapper[userID] = m
		s.mu.Unlock()

		if err := s.ForwardUnsentFrames(r.Context(), userID, m); err != nil {
			log.Error("forward queued frames failed", zap.String("user", userID), zap.Error(err))
		}
		go s.processWSMessage(userID, m)
	}
}

func (s *HttpServer) processWSMessage(userID string, m *member) {
	defer func() {
		s.mu.Lock()
		if s.mapper[userID] == m {
			delete(s.mapper, userID)
		}
		s.mu.Unlock()
		m.conn.Close()
	}()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			log.Debug("member web socket closed", zap.String("user", userID), zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("Unmarshal frame failed", zap.String("user", userID), zap.Error(err))
			metrics.RelayFramesTotal.WithLabelValues("malformed").Inc()
			continue
		}
		if frame.To == "" {
			metrics.RelayFramesTotal.WithLabelValues("malformed").Inc()
			continue
		}
		frame.From = userID

		if err := s.route(context.Background(), frame); err != nil {
			log.Error("route frame failed", zap.String("from", userID), zap.String("to", frame.To), zap.Error(err))
			metrics.RelayFramesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// route delivers frame to an online member or queues it.
func (s *HttpServer) route(ctx context.Context, frame model.Frame) error {
	s.mu.RLock()
	dst, online := s.mapper[frame.To]
	s.mu.RUnlock()

	if online {
		if err := dst.write(&frame); err == nil {
			metrics.RelayFramesTotal.WithLabelValues("forwarded").Inc()
			return nil
		}
	}

	if err := s.PutFramesToCache(ctx, frame.To, []model.Frame{frame}); err != nil {
		return err
	}
	metrics.RelayFramesTotal.WithLabelValues("queued").Inc()
	return nil
}

func (m *member) write(frame *model.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(frame)
}

func (s *HttpServer) GetBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		name := mux.Vars(r)["name"]
		log.Info("GetBundle", zap.String("name", name))

		b, err := s.bundles.GetByName(ctx, name)
		if err != nil {
			log.Error("Get bundle failed", zap.Error(err))
			http.Error(w, "Get bundle failed", http.StatusInternalServerError)
			return
		}

		if b == nil {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}

		data, err := json.Marshal(b)
		if err != nil {
			log.Error("Get bundle failed", zap.Error(err))
			http.Error(w, "Get bundle failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *HttpServer) PutBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := mux.Vars(r)["name"]

		var b model.PublicBundle
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&b); err != nil {
			http.Error(w, "invalid bundle", http.StatusBadRequest)
			return
		}
		if b.Name != name {
			http.Error(w, "bundle name does not match path", http.StatusBadRequest)
			return
		}

		if err := s.bundles.Put(ctx, b); err != nil {
			log.Error("Put bundle failed", zap.String("name", name), zap.Error(err))
			http.Error(w, "Put bundle failed", http.StatusInternalServerError)
			return
		}
		log.Info("PutBundle", zap.String("name", name))
		w.WriteHeader(http.StatusNoContent)
	}
}

// ForwardUnsentFrames flushes the offline queue of userID to m.
func (s *HttpServer) ForwardUnsentFrames(ctx context.Context, userID string, m *member) error {
	frames, err := s.GetFramesFromCache(ctx, userID)
	if err != nil {
		return err
	}

	for i := range frames {
		if err := m.write(&frames[i]); err != nil {
			// Put the rest back so nothing is lost.
			return errors.Join(err, s.PutFramesToCache(ctx, userID, frames[i:]))
		}
		metrics.RelayFramesTotal.WithLabelValues("forwarded").Inc()
	}
	return nil
}

// Online reports whether name holds an open socket.
func (s *HttpServer) Online(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mapper[name]
	return ok
}

func (s *HttpServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.mapper {
		m.conn.Close()
		delete(s.mapper, name)
	}
}
