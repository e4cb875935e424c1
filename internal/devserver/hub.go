package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 128
)

// outFrame is one queued write. A non-zero closeCode closes the socket after
// everything queued before it was written.
type outFrame struct {
	data      []byte
	closeCode websocket.StatusCode
	reason    string
}

// peer is one authenticated socket.
type peer struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan outFrame
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	log    *slog.Logger
}

func newPeer(userID string, ws *websocket.Conn, log *slog.Logger) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &peer{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan outFrame, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With("peer", id, "user", userID),
	}
}

// sendJSON queues v. A slow client whose buffer is full is disconnected.
func (p *peer) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal frame", "error", err)
		return false
	}
	return p.enqueue(outFrame{data: data})
}

func (p *peer) enqueue(f outFrame) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.send <- f:
		return true
	default:
		p.log.Warn("send buffer full, closing")
		p.cancel()
		return false
	}
}

// closeWith queues a close after pending frames.
func (p *peer) closeWith(code websocket.StatusCode, reason string) {
	p.enqueue(outFrame{closeCode: code, reason: reason})
}

func (p *peer) writeLoop() {
	defer p.cancel()
	for {
		select {
		case <-p.ctx.Done():
			p.shutdown(websocket.StatusGoingAway, "server closing")
			return
		case f := <-p.send:
			if f.closeCode != 0 {
				p.shutdown(f.closeCode, f.reason)
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, writeWait)
			err := p.ws.Write(ctx, websocket.MessageText, f.data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (p *peer) shutdown(code websocket.StatusCode, reason string) {
	p.once.Do(func() {
		_ = p.ws.Close(code, reason)
	})
}

// hub routes frames to the inbox channels of users. A peer receives push
// events only after it joined its own channel.
type hub struct {
	mu       sync.RWMutex
	peers    map[string]*peer            // peer id -> peer
	channels map[string]map[string]*peer // user id -> peer id -> peer
}

func newHub() *hub {
	return &hub{
		peers:    make(map[string]*peer),
		channels: make(map[string]map[string]*peer),
	}
}

func (h *hub) attach(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
}

func (h *hub) detach(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	if ch := h.channels[p.userID]; ch != nil {
		delete(ch, p.id)
		if len(ch) == 0 {
			delete(h.channels, p.userID)
		}
	}
	h.mu.Unlock()
}

var errForeignChannel = errors.New("cannot join another user's channel")

func (h *hub) join(p *peer, userID string) error {
	if userID != p.userID {
		return errForeignChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.id]; !ok {
		return nil
	}
	ch := h.channels[userID]
	if ch == nil {
		ch = make(map[string]*peer)
		h.channels[userID] = ch
	}
	ch[p.id] = p
	return nil
}

// publish queues v for every joined peer of userID and returns how many
// accepted it.
func (h *hub) publish(userID string, v any) int {
	delivered := 0
	for _, p := range h.members(userID) {
		if p.sendJSON(v) {
			delivered++
		}
	}
	return delivered
}

func (h *hub) members(userID string) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.channels[userID]))
	for _, p := range h.channels[userID] {
		out = append(out, p)
	}
	return out
}

// peersOf returns every socket of userID, joined or not.
func (h *hub) peersOf(userID string) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*peer
	for _, p := range h.peers {
		if p.userID == userID {
			out = append(out, p)
		}
	}
	return out
}

func (h *hub) closeAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*peer)
	h.channels = make(map[string]map[string]*peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.cancel()
	}
}
