package testutil

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by RecordingTransport.Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// RecordingTransport is an in-memory connection that keeps every frame sent
// to it. All methods are safe for concurrent use.
type RecordingTransport struct {
	mu     sync.Mutex
	addr   string
	frames [][]byte
	closed bool
	// FailSends makes every Send return an error without recording.
	FailSends bool
}

// NewRecordingTransport returns an open transport reporting addr as its peer.
func NewRecordingTransport(addr string) *RecordingTransport {
	return &RecordingTransport{addr: addr}
}

// Send records data.
func (r *RecordingTransport) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrTransportClosed
	}
	if r.FailSends {
		return errors.New("send failed")
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

// Close marks the transport closed.
func (r *RecordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// RemoteAddr returns the configured peer address.
func (r *RecordingTransport) RemoteAddr() string { return r.addr }

// Closed reports whether Close was called.
func (r *RecordingTransport) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Frames returns each recorded frame decoded as a generic JSON object.
func (r *RecordingTransport) Frames() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, 0, len(r.frames))
	for _, f := range r.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types returns the type tag of each recorded frame in order.
func (r *RecordingTransport) Types() []string {
	frames := r.Frames()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		t, _ := f["type"].(string)
		out = append(out, t)
	}
	return out
}

// OfType returns the recorded frames with the given type tag.
func (r *RecordingTransport) OfType(msgType string) []map[string]any {
	var out []map[string]any
	for _, f := range r.Frames() {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}
