// Package server hosts the chat HTTP and websocket process.
//
// It owns the transport boundary only: frames and requests are decoded
// here and handed to the dispatcher, which runs the shared authorization
// and persistence path for both origins.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/parley/internal/auth"
	"github.com/louisbranch/parley/internal/chat/access"
	"github.com/louisbranch/parley/internal/chat/delivery"
	"github.com/louisbranch/parley/internal/chat/dispatch"
	"github.com/louisbranch/parley/internal/chat/notify"
	"github.com/louisbranch/parley/internal/chat/presence"
	"github.com/louisbranch/parley/internal/platform/requestctx"
	"github.com/louisbranch/parley/internal/platform/timeouts"
	"github.com/louisbranch/parley/internal/storage"
	"github.com/louisbranch/parley/internal/storage/sqlite"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageContentRunes = 2000
)

// Client frame commands.
const (
	commandSubscribe   = "SUBSCRIBE"
	commandUnsubscribe = "UNSUBSCRIBE"
	commandSend        = "SEND"
)

// Server frame commands.
const (
	commandMessage = "MESSAGE"
	commandError   = "ERROR"
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	JWTSecret         string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/websocket process.
//
// It owns the storage handle and the HTTP server; everything between the
// two is wired once at construction.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

type wsFrame struct {
	Command     string          `json:"command"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sendMessagePayload struct {
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

type loadHistoryPayload struct {
	Offset          int    `json:"offset"`
	Limit           int    `json:"limit"`
	BeforeMessageID string `json:"beforeMessageId,omitempty"`
}

// NewServer builds a configured chat server over a sqlite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var verifier *auth.Verifier
	if strings.TrimSpace(config.JWTSecret) != "" {
		verifier, err = auth.NewVerifier(config.JWTSecret)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
	} else {
		log.Printf("chat: no JWT secret configured, clients connect anonymously")
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(store, verifier),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// NewHandler wires the chat routes over the given store. A nil verifier
// leaves websocket clients anonymous and rejects REST calls, which keeps
// tests and offline paths simple.
func NewHandler(store storage.Store, verifier *auth.Verifier) http.Handler {
	b := newBroker()
	dispatcher := dispatch.New(
		store,
		access.NewGate(store),
		presence.NewRegistry(),
		delivery.NewTracker(store),
		notify.NewFanout(b),
	)
	return newHandler(dispatcher, b, store, verifier)
}

func newHandler(dispatcher *dispatch.Dispatcher, b *broker, store storage.Store, verifier *auth.Verifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, b, dispatcher)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if token := auth.BearerToken(r); token != "" {
			if verifier == nil {
				http.Error(w, "authentication is not configured", http.StatusServiceUnavailable)
				return
			}
			userID, err := verifier.Verify(token)
			if err != nil {
				log.Printf("chat: websocket unauthorized for remote=%s path=%q: %v", r.RemoteAddr, r.URL.Path, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(requestctx.WithUserID(r.Context(), userID))
		}

		wsHandler.ServeHTTP(w, r)
	})

	rest := &restHandler{dispatcher: dispatcher, store: store, verifier: verifier}
	mux.HandleFunc("/api/chats", rest.handleChats)
	mux.HandleFunc("/api/chats/", rest.handleChatSubtree)

	return mux
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat storage: %v", err)
		}
	}
}
