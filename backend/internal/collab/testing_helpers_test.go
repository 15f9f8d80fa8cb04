package collab

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder 记录会话发布的事件
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type memSource struct {
	mu    sync.Mutex
	docs  map[string]Document
	loads int
}

func (s *memSource) Load(_ context.Context, resourceID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	doc, ok := s.docs[resourceID]
	if !ok {
		return nil, ErrUnknownResource
	}
	return doc.Clone(), nil
}

type savedVersion struct {
	ResourceID string
	SessionID  string
	Version    uint64
	Document   Document
}

type memSink struct {
	mu    sync.Mutex
	saved []savedVersion
}

func (s *memSink) Save(_ context.Context, snap SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedVersion{ResourceID: snap.ResourceID, SessionID: snap.SessionID, Version: snap.Version, Document: snap.Document})
	return nil
}

func (s *memSink) all() []savedVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedVersion(nil), s.saved...)
}

var (
	alice = Principal{UserID: "dr-alice", DisplayName: "Dr. Alice", Role: "physician"}
	bob   = Principal{UserID: "rn-bob", DisplayName: "Bob", Role: "nurse"}
	carol = Principal{UserID: "carol", DisplayName: "Carol", Role: "scribe"}
)

func callerOf(p Principal, conn string) Caller { return Caller{Principal: p, ConnectionID: conn} }
