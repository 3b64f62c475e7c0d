// Package statusfeed streams sync status and user notifications to
// dashboards over WebSocket.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/connectivity"
)

type MessageType string

const (
	MessageTypeStatus       MessageType = "status"
	MessageTypeNotification MessageType = "notification"
)

// Message is the envelope written to every client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type NotificationData struct {
	Message  string                `json:"message"`
	Severity connectivity.Severity `json:"severity"`
}

// Config holds configuration for the feed server
type Config struct {
	Addr         string        // listen address, ":8090" by default
	WriteTimeout time.Duration // per-client write timeout
	BufferSize   int           // broadcast channel capacity
}

func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8090",
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}
}

// Server fans status and notification messages out to WebSocket clients.
type Server struct {
	config   *Config
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	latestMu sync.RWMutex
	latest   *Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		logger:    logger,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// Handler returns the feed routes. It can be mounted on another mux or
// served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves Handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("status feed listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status feed server error", "error", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	for _, conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down status feed: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Info("status feed stopped")
	return err
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// PublishStatus broadcasts a status snapshot and remembers it for clients
// that connect later.
func (s *Server) PublishStatus(st connectivity.Status) {
	msg, err := newMessage(MessageTypeStatus, st)
	if err != nil {
		s.logger.Error("failed to encode status", "error", err)
		return
	}
	s.latestMu.Lock()
	s.latest = &msg
	s.latestMu.Unlock()
	s.Broadcast(msg)
}

// Notify implements connectivity.Notifier.
func (s *Server) Notify(message string, severity connectivity.Severity) {
	msg, err := newMessage(MessageTypeNotification, NotificationData{Message: message, Severity: severity})
	if err != nil {
		s.logger.Error("failed to encode notification", "error", err)
		return
	}
	s.Broadcast(msg)
}

// Broadcast queues a message for every connected client. It never blocks;
// when the buffer is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
	case s.broadcast <- msg:
	default:
		s.logger.Warn("status feed buffer full, dropping message", "type", msg.Type)
	}
}

// Follow publishes every status from updates until the channel closes or
// ctx is done.
func (s *Server) Follow(ctx context.Context, updates <-chan connectivity.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			s.PublishStatus(st)
		}
	}
}

func newMessage(typ MessageType, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now().UTC(), Data: data}, nil
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal feed message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("failed to write to feed client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The current status goes out before the client joins the broadcast set
	// so it is always the first message the client sees.
	s.latestMu.RLock()
	latest := s.latest
	s.latestMu.RUnlock()
	if latest != nil {
		data, err := json.Marshal(latest)
		if err == nil {
			err = s.write(conn, data)
		}
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "initial status")
			return
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("feed client connected", "clients", count)

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop drains client frames so control messages are processed, and
// detects disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("feed client disconnected", "clients", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
