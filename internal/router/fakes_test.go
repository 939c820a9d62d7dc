package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []types.OutboundEvent
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) UserID() string              { return c.userID }
func (c *fakeConn) Claim() *types.IdentityClaim { return &types.IdentityClaim{Subject: c.userID} }
func (c *fakeConn) Close() error                { return nil }

func (c *fakeConn) Send(ev types.OutboundEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) received(name string) []types.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.OutboundEvent
	for _, ev := range c.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string][]interfaces.Connection
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string][]interfaces.Connection)}
}

func (r *fakeRooms) Join(conn interfaces.Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rooms[room] {
		if c.ID() == conn.ID() {
			return
		}
	}
	r.rooms[room] = append(r.rooms[room], conn)
}

func (r *fakeRooms) Broadcast(room string, ev types.OutboundEvent, except string) int {
	r.mu.Lock()
	conns := append([]interfaces.Connection(nil), r.rooms[room]...)
	r.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.ID() == except {
			continue
		}
		_ = c.Send(ev)
		n++
	}
	return n
}

func (r *fakeRooms) IsSubscribed(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rooms[room] {
		if c.ID() == connID {
			return true
		}
	}
	return false
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]string
	err    error
}

func newFakePresence(online ...string) *fakePresence {
	p := &fakePresence{online: make(map[string]string)}
	for _, u := range online {
		p.online[u] = "conn-" + u
	}
	return p
}

func (p *fakePresence) SetOnline(ctx context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = connID
	return nil
}

func (p *fakePresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	_, ok := p.online[userID]
	return ok, nil
}

func (p *fakePresence) Clear(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
	return nil
}

func (p *fakePresence) ClearIfCurrent(ctx context.Context, userID, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[userID] != connID {
		return false, nil
	}
	delete(p.online, userID)
	return true, nil
}

func (p *fakePresence) Count(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online), nil
}

type fakeStore struct {
	mu       sync.Mutex
	members  map[string][]string
	messages map[string]*types.Message
	reads    map[string]time.Time
	last     map[string]string
	seq      int

	createErr error
	lastErr   error
	memberErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:  make(map[string][]string),
		messages: make(map[string]*types.Message),
		reads:    make(map[string]time.Time),
		last:     make(map[string]string),
	}
}

func (s *fakeStore) ListThreadsForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var threads []string
	for thread, members := range s.members {
		for _, m := range members {
			if m == userID {
				threads = append(threads, thread)
			}
		}
	}
	return threads, nil
}

func (s *fakeStore) IsMember(ctx context.Context, threadID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberErr != nil {
		return false, s.memberErr
	}
	for _, m := range s.members[threadID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ListMembers(ctx context.Context, threadID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members[threadID]...), nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, threadID, senderID, content string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.seq++
	msg := &types.Message{
		ID:        fmt.Sprintf("m%d", s.seq),
		ThreadID:  threadID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
		Sender:    &types.UserSummary{ID: senderID, DisplayName: "Name " + senderID},
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *fakeStore) SetLastMessage(ctx context.Context, threadID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return s.lastErr
	}
	s.last[threadID] = messageID
	return nil
}

func (s *fakeStore) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return msg, nil
}

func (s *fakeStore) UpsertRead(ctx context.Context, messageID, userID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[messageID+"|"+userID] = readAt
	return nil
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type fakePush struct {
	mu   sync.Mutex
	jobs []interfaces.PushJob
	err  error
}

func (p *fakePush) Enqueue(job interfaces.PushJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakePush) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, j := range p.jobs {
		ids = append(ids, j.RecipientID)
	}
	return ids
}

var errStorage = errors.New("storage unavailable")
