// Package realtime fans whiteboard change notifications out to connected
// browser clients. Clients subscribe to one board at a time; the webhook
// pipeline and internal mutations publish into the board's room.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultSendTimeout = 5 * time.Second

// sender abstracts the wire so the room bookkeeping is testable without real
// sockets.
type sender interface {
	Send(ctx context.Context, v any) error
	Close() error
}

type client struct {
	id      string
	userID  string
	boardID string
	conn    sender
}

type ServerOptions struct {
	SendTimeout time.Duration
	Logger      *logrus.Logger
}

// Server holds the client and room registries. A room with no members is
// removed immediately; a dead connection is evicted from both registries the
// first time a broadcast fails to reach it.
type Server struct {
	sendTimeout time.Duration
	log         *logrus.Logger

	mu      sync.Mutex
	clients map[string]*client
	rooms   map[string]map[string]struct{}
}

func NewServer(opts ServerOptions) *Server {
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		sendTimeout: sendTimeout,
		log:         logger,
		clients:     map[string]*client{},
		rooms:       map[string]map[string]struct{}{},
	}
}

func (s *Server) register(id, userID string, conn sender) {
	s.mu.Lock()
	s.clients[id] = &client{id: id, userID: userID, conn: conn}
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"clientId": id, "userId": userID}).Debug("client connected")
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if ok {
		s.leaveRoomLocked(id, c.boardID)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		s.log.WithField("clientId", id).Debug("client disconnected")
	}
}

// Subscribe moves the client into boardID's room, implicitly leaving any
// previous room (the UI focuses one board at a time).
func (s *Server) Subscribe(clientID, boardID string) {
	if boardID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	if c.boardID == boardID {
		return
	}
	s.leaveRoomLocked(clientID, c.boardID)
	room, ok := s.rooms[boardID]
	if !ok {
		room = map[string]struct{}{}
		s.rooms[boardID] = room
	}
	room[clientID] = struct{}{}
	c.boardID = boardID
}

func (s *Server) Unsubscribe(clientID, boardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok || c.boardID != boardID {
		return
	}
	s.leaveRoomLocked(clientID, boardID)
	c.boardID = ""
}

// BroadcastToRoom sends an update message to every member of the board's
// room. Members whose send fails are evicted from both registries.
func (s *Server) BroadcastToRoom(boardID string, event any) {
	message := map[string]any{
		"type":    "update",
		"boardId": boardID,
		"event":   event,
	}
	s.mu.Lock()
	members := make([]*client, 0, len(s.rooms[boardID]))
	for id := range s.rooms[boardID] {
		if c, ok := s.clients[id]; ok {
			members = append(members, c)
		}
	}
	s.mu.Unlock()

	for _, c := range members {
		s.send(c, message)
	}
}

// Broadcast sends an event to every connected client regardless of room.
func (s *Server) Broadcast(event any) {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()

	for _, c := range all {
		s.send(c, event)
	}
}

// Stats summarizes rooms for the admin surface.
func (s *Server) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.rooms))
	for boardID, room := range s.rooms {
		out[boardID] = len(room)
	}
	return out
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.clients = map[string]*client{}
	s.rooms = map[string]map[string]struct{}{}
	s.mu.Unlock()
	for _, c := range all {
		_ = c.conn.Close()
	}
}

func (s *Server) send(c *client, message any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	if err := c.conn.Send(ctx, message); err != nil {
		s.log.WithField("clientId", c.id).WithError(err).Debug("evicting dead client")
		s.unregister(c.id)
	}
}

// leaveRoomLocked removes the client from boardID's room and deletes the room
// when it empties. Callers hold s.mu.
func (s *Server) leaveRoomLocked(clientID, boardID string) {
	if boardID == "" {
		return
	}
	room, ok := s.rooms[boardID]
	if !ok {
		return
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(s.rooms, boardID)
	}
}
