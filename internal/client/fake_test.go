package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// hold, when set, stalls every write until it is closed.
	hold chan struct{}

	mu         sync.Mutex
	written    [][]byte
	failWrites bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-f.closed:
			return errFakeClosed
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.written = append(f.written, data)
	return nil
}

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

// drop simulates the server going away.
func (f *fakeTransport) drop() { _ = f.Close() }

// types returns the type tag of each written frame in order.
func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.written))
	for _, w := range f.written {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(w, &head)
		out = append(out, head.Type)
	}
	return out
}

// frames returns every written frame decoded as a generic object.
func (f *fakeTransport) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, w := range f.written {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

// dialResult is one scripted Dial outcome.
type dialResult struct {
	t   *fakeTransport
	err error
}

// fakeDialer returns scripted results in order. Once the script runs out it
// fails every dial.
type fakeDialer struct {
	mu     sync.Mutex
	script []dialResult
	dials  int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.script[0]
	d.script = d.script[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.t, nil
}

func (d *fakeDialer) push(results ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, results...)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// stallingDialer blocks every Dial until release is closed or the dial is
// cancelled, then defers to next.
type stallingDialer struct {
	next    Dialer
	entered chan struct{}
	release chan struct{}
}

func newStallingDialer(next Dialer) *stallingDialer {
	return &stallingDialer{next: next, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (d *stallingDialer) Dial(ctx context.Context, url string) (Transport, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.next.Dial(ctx, url)
}
