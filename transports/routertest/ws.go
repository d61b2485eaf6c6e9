package routertest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
	"github.com/petal-labs/llmrouter/transports/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// peer is one accepted WebSocket connection.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (p *peer) write(f ws.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(f)
}

func (p *peer) track(id string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()
}

func (p *peer) untrack(id string) {
	p.mu.Lock()
	delete(p.cancels, id)
	p.mu.Unlock()
}

func (p *peer) cancel(id string) {
	p.mu.Lock()
	cancel := p.cancels[id]
	delete(p.cancels, id)
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.Header.Get("Authorization")) {
		writeJSONError(w, unauthorized())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn, cancels: make(map[string]context.CancelFunc)}
	s.addPeer(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.removePeer(p)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case ws.FrameRequest:
			rctx, rcancel := context.WithCancel(ctx)
			p.track(f.ID, rcancel)
			go func() {
				defer p.cancel(f.ID)
				s.wsRequest(rctx, p, f)
			}()
		case ws.FrameStreamRequest:
			sctx, scancel := context.WithCancel(ctx)
			p.track(f.ID, scancel)
			go func() {
				defer p.cancel(f.ID)
				s.wsStream(sctx, p, f)
			}()
		case ws.FrameCancel:
			p.cancel(f.ID)
		}
	}
}

func (s *Server) wsRequest(ctx context.Context, p *peer, f ws.Frame) {
	var out any
	var err error
	switch f.RequestType {
	case ws.RequestJoinRoom, ws.RequestLeaveRoom, ws.RequestSendToRoom:
		out, err = s.roomRequest(p, f)
	default:
		out, err = s.handle(ctx, core.Operation(f.RequestType), f.Data)
	}

	resp := ws.Frame{Type: ws.FrameResponse, ID: f.ID, RequestID: f.RequestID}
	if err != nil {
		kind, msg := errorDetails(err)
		resp.Error, resp.Code = msg, normalize.ErrorCodeForKind(kind)
	} else if resp.Data, err = json.Marshal(out); err != nil {
		resp.Error, resp.Code = err.Error(), normalize.CodeInference
	}
	_ = p.write(resp)
}

func (s *Server) wsStream(ctx context.Context, p *peer, f ws.Frame) {
	var req core.InferenceRequest
	err := decodeInto(core.OpStreamInference, f.Data, &req)
	if err == nil {
		err = s.backend.StreamInference(ctx, req, func(c core.StreamChunk) error {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			return p.write(ws.Frame{Type: ws.FrameStream, StreamID: f.ID, Data: data, Complete: c.IsComplete})
		})
	}
	if err != nil && ctx.Err() == nil {
		kind, msg := errorDetails(err)
		_ = p.write(ws.Frame{
			Type:      ws.FrameResponse,
			ID:        f.ID,
			RequestID: f.RequestID,
			Error:     msg,
			Code:      normalize.ErrorCodeForKind(kind),
		})
	}
}

func (s *Server) roomRequest(p *peer, f ws.Frame) (any, error) {
	var rr struct {
		Room    string          `json:"room"`
		Message json.RawMessage `json:"message"`
	}
	if err := decodeInto(core.Operation(f.RequestType), f.Data, &rr); err != nil {
		return nil, err
	}
	if rr.Room == "" {
		return nil, core.ValidationError(f.RequestType, "room is required")
	}

	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	switch f.RequestType {
	case ws.RequestJoinRoom:
		if s.rooms[rr.Room] == nil {
			s.rooms[rr.Room] = make(map[*peer]struct{})
		}
		s.rooms[rr.Room][p] = struct{}{}
		return map[string]any{"room": rr.Room, "joined": true}, nil
	case ws.RequestLeaveRoom:
		delete(s.rooms[rr.Room], p)
		return map[string]any{"room": rr.Room, "joined": false}, nil
	}

	data, err := json.Marshal(ws.RoomMessage{Room: rr.Room, Message: rr.Message})
	if err != nil {
		return nil, err
	}
	ev := ws.Frame{Type: ws.FrameEvent, Event: core.EventRoomMessage, Data: data}
	delivered := 0
	for member := range s.rooms[rr.Room] {
		if member.write(ev) == nil {
			delivered++
		}
	}
	return map[string]any{"room": rr.Room, "delivered": delivered}, nil
}

func (s *Server) addPeer(p *peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[p] = struct{}{}
}

func (s *Server) removePeer(p *peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	delete(s.peers, p)
	for _, members := range s.rooms {
		delete(members, p)
	}
}

// Broadcast pushes an event frame to every connected WebSocket client.
func (s *Server) Broadcast(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	f := ws.Frame{Type: ws.FrameEvent, Event: event, Data: payload}

	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	for _, p := range peers {
		_ = p.write(f)
	}
}

// Peers returns the number of connected WebSocket clients.
func (s *Server) Peers() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}

// CloseConnections sends a close frame with code to every WebSocket
// client and drops the connections.
func (s *Server) CloseConnections(code int, text string) {
	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	msg := websocket.FormatCloseMessage(code, text)
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = p.conn.Close()
	}
}

// DropConnections closes every WebSocket connection without a close frame.
func (s *Server) DropConnections() {
	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
}
