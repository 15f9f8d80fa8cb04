package ws

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"encounterCollab/backend/internal/collab"
)

// fakeTransport 内存中的双向连接，入站消息由测试写入 in
type fakeTransport struct {
	in chan Envelope

	mu      sync.Mutex
	written []OutboundMessage
	failErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Envelope, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadJSON(v interface{}) error {
	select {
	case env, ok := <-f.in:
		if !ok {
			return io.EOF
		}
		*v.(*Envelope) = env
		return nil
	case <-f.closed:
		return errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.written = append(f.written, v.(OutboundMessage))
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.written))
	for _, m := range f.written {
		out = append(out, m.Type)
	}
	return out
}

// drain 取出连接队列中尚未写出的消息（测试中不启动 writeLoop）
func drain(c *Conn) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func types(msgs []OutboundMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func ofType(msgs []OutboundMessage, typ string) []OutboundMessage {
	var out []OutboundMessage
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func envelope(typ, resourceID string, payload any) Envelope {
	env := Envelope{Type: typ, ResourceID: resourceID, Timestamp: time.Now()}
	if payload != nil {
		b, _ := json.Marshal(payload)
		env.Payload = b
	}
	return env
}

var (
	alice = collab.Principal{UserID: "dr-alice", DisplayName: "Dr. Alice", Role: "physician"}
	bob   = collab.Principal{UserID: "rn-bob", DisplayName: "Bob", Role: "nurse"}
)

func newTestConn(id string, p collab.Principal) (*Conn, *fakeTransport) {
	t := newFakeTransport()
	return NewConn(id, t, p, ConnOptions{}, nil), t
}

func timeoutAfter() <-chan time.Time { return time.After(time.Second) }
