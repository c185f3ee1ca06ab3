package cacheproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// Пути канала управления
const (
	PathWebSocket = "/__posync/ws"
	PathCommands  = "/__posync/commands"
	PathSync      = "/__posync/sync/{tag}"
	PathStatus    = "/__posync/status"
)

// MessageType тип команды или уведомления канала управления
type MessageType string

const (
	// CommandSkipWaiting немедленно активирует ожидающую версию
	CommandSkipWaiting MessageType = "SKIP_WAITING"
	// CommandClearCache удаляет все партиции
	CommandClearCache MessageType = "CLEAR_CACHE"
	// CommandCacheURLs загружает URLs в API партицию
	CommandCacheURLs MessageType = "CACHE_URLS"

	// MessageSyncRequested просит приложение выполнить drain очереди
	MessageSyncRequested MessageType = "SYNC_REQUESTED"
	// MessageActivated новая версия кеша активирована
	MessageActivated MessageType = "ACTIVATED"
	// MessageAck команда выполнена
	MessageAck MessageType = "ACK"
	// MessageError команда завершилась ошибкой
	MessageError MessageType = "ERROR"
)

// ErrUnknownCommand возвращается для неизвестного типа команды
var ErrUnknownCommand = errors.New("unknown command")

// Message is the envelope for commands, replies and notifications.
type Message struct {
	Type    MessageType `json:"type"`
	Command MessageType `json:"command,omitempty"`
	Tag     string      `json:"tag,omitempty"`
	Version string      `json:"version,omitempty"`
	Error   string      `json:"error,omitempty"`
	URLs    []string    `json:"urls,omitempty"`
}

// Status состояние прокси для /__posync/status
type Status struct {
	Active     string   `json:"active"`
	Waiting    string   `json:"waiting,omitempty"`
	Partitions []string `json:"partitions"`
	Clients    int      `json:"clients"`
}

// Execute выполняет команду и возвращает ответ для отправителя
func (p *Proxy) Execute(ctx context.Context, cmd Message) Message {
	var err error
	switch cmd.Type {
	case CommandSkipWaiting:
		err = p.Activate()
	case CommandClearCache:
		err = p.ClearCache()
	case CommandCacheURLs:
		err = p.CacheURLs(ctx, cmd.URLs)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}

	if err != nil {
		p.logger.Warn("Command failed", "command", cmd.Type, "error", err)
		return Message{Type: MessageError, Command: cmd.Type, Error: err.Error()}
	}
	p.logger.Info("Command executed", "command", cmd.Type)
	return Message{Type: MessageAck, Command: cmd.Type, Version: p.ActiveVersion()}
}

// RequestSync уведомляет подключенные приложения о фоновой синхронизации.
// Возвращает false для неизвестного тега.
func (p *Proxy) RequestSync(tag string) bool {
	if !slices.Contains(p.cfg.SyncTags, tag) {
		return false
	}
	p.hub.broadcast(Message{Type: MessageSyncRequested, Tag: tag})
	return true
}

// Handler returns the router serving the control channel and proxying
// everything else.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(PathWebSocket, p.handleWebSocket)
	r.Post(PathCommands, p.handleCommand)
	r.Post(PathSync, p.handleSync)
	r.Get(PathStatus, p.handleStatus)
	r.Handle("/*", p)
	return r
}

// Close закрывает все WebSocket соединения
func (p *Proxy) Close() {
	p.hub.closeAll()
}

func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		p.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	p.hub.add(conn)
	defer p.hub.remove(conn)

	ctx := r.Context()
	for {
		var cmd Message
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		reply := p.Execute(ctx, cmd)
		if err := p.hub.write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func (p *Proxy) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Message
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, Message{Type: MessageError, Error: "invalid command body"})
		return
	}

	reply := p.Execute(r.Context(), cmd)
	status := http.StatusOK
	if reply.Type == MessageError {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, reply)
}

func (p *Proxy) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if !p.RequestSync(tag) {
		writeJSON(w, http.StatusNotFound, Message{Type: MessageError, Tag: tag, Error: "unknown sync tag"})
		return
	}
	writeJSON(w, http.StatusAccepted, Message{Type: MessageSyncRequested, Tag: tag})
}

func (p *Proxy) handleStatus(w http.ResponseWriter, _ *http.Request) {
	partitions, err := p.store.Partitions()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Message{Type: MessageError, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Status{
		Active:     p.ActiveVersion(),
		Waiting:    p.WaitingVersion(),
		Partitions: partitions,
		Clients:    p.hub.count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// hub подключенные WebSocket клиенты
type hub struct {
	clients map[*websocket.Conn]struct{}
	logger  *slog.Logger
	mu      sync.Mutex
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger,
	}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Control client connected", "clients", n)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("Control client disconnected", "clients", n)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// broadcast рассылает сообщение всем клиентам вне блокировки
func (h *hub) broadcast(msg Message) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := h.write(context.Background(), conn, msg); err != nil {
			h.logger.Warn("Failed to notify control client", "type", msg.Type, "error", err)
			h.remove(conn)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "proxy shutting down")
	}
}
