package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// keepAliveFrame is the NDJSON frame sent to keep idle connections open.
// Subscribers ignore empty objects.
var keepAliveFrame = &Frame{Data: []byte("{}\n")}

// Frame is one newline-delimited JSON frame.
type Frame struct {
	Data []byte
}

// Copy returns a deep copy of the frame.
func (f *Frame) Copy() *Frame {
	n := new(Frame)
	*n = *f
	n.Data = make([]byte, len(f.Data))
	copy(n.Data, f.Data)
	return n
}

// NDJSONStream serializes objects into newline-delimited JSON frames on an
// output channel, interleaving keep-alive frames at the configured
// interval.
type NDJSONStream struct {
	out chan<- *Frame

	keepAlive *time.Ticker
	publishCh chan Frame
	exitCh    chan struct{}

	l       sync.Mutex
	running bool
}

// NewNDJSONStream creates a stream writing frames to out.
func NewNDJSONStream(out chan<- *Frame, keepAlive time.Duration) *NDJSONStream {
	return &NDJSONStream{
		out:       out,
		keepAlive: time.NewTicker(keepAlive),
		publishCh: make(chan Frame),
		exitCh:    make(chan struct{}),
	}
}

// Run starts the long lived goroutine that forwards published frames and
// keep-alives to the output channel.
func (n *NDJSONStream) Run(ctx context.Context) {
	n.l.Lock()
	if n.running {
		n.l.Unlock()
		return
	}
	n.running = true
	n.l.Unlock()

	go n.run(ctx)
}

func (n *NDJSONStream) run(ctx context.Context) {
	defer func() {
		n.l.Lock()
		n.running = false
		n.l.Unlock()
		close(n.exitCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.publishCh:
			select {
			case n.out <- msg.Copy():
			case <-ctx.Done():
				return
			}
		case <-n.keepAlive.C:
			select {
			case n.out <- keepAliveFrame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Send encodes an object as one NDJSON frame. Returns an error when
// encoding fails or the stream has stopped.
func (n *NDJSONStream) Send(obj interface{}) error {
	buf := bytes.NewBuffer(nil)
	if err := json.NewEncoder(buf).Encode(obj); err != nil {
		return fmt.Errorf("marshaling json for stream: %w", err)
	}

	select {
	case n.publishCh <- Frame{Data: buf.Bytes()}:
	case <-n.exitCh:
		return fmt.Errorf("stream is no longer running")
	}
	return nil
}
