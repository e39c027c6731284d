// Package vsock implements the VSOCK Channel (SPEC_FULL.md §4.12):
// length-prefixed binary framing of task envelopes over a host<->guest
// byte stream, demultiplexed on a task_id-keyed pending map so multiple
// outstanding tasks share one socket independently. Framing follows
// _examples/karasz-securelog/file_store.go's explicit byte-layout
// discipline (4-byte big-endian length prefix then payload); payload
// encoding uses encoding/gob the way
// _examples/karasz-securelog/transport.go encodes its own wire messages.
package vsock

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ionvm/substrate/codes"
)

// frameKind discriminates an envelope on the wire so tasks and results
// may share one stream safely (§6 "VSOCK wire format").
type frameKind uint8

const (
	frameTask   frameKind = 1
	frameResult frameKind = 2
)

// TaskEnvelope is the compact binary envelope carrying a task to the
// guest (§4.12 "task envelope").
type TaskEnvelope struct {
	TaskID  string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// ResultEnvelope is a completed task's outcome, demultiplexed by TaskID
// (§4.12 "result envelope").
type ResultEnvelope struct {
	TaskID   string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

type frame struct {
	Kind   frameKind
	Task   TaskEnvelope
	Result ResultEnvelope
}

// serialize encodes f (carrying a TaskEnvelope or ResultEnvelope) as a length-
// prefixed gob frame: 4-byte big-endian length, then the gob payload.
func serialize(f frame) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(f); err != nil {
		return nil, codes.Wrap(codes.DeserializationFailed, err, "encode vsock frame")
	}
	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// deserialize decodes a length-prefixed frame read from r. Satisfies the
// round-trip law deserialize(serialize(p)) == p for every valid p (L6).
func deserialize(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, codes.Wrap(codes.IOError, err, "read vsock frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, codes.Wrap(codes.IOError, err, "read vsock frame body")
	}
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&f); err != nil {
		return frame{}, codes.Wrap(codes.DeserializationFailed, err, "decode vsock frame")
	}
	return f, nil
}

// pending tracks one outstanding task awaiting its result.
type pending struct {
	done   chan struct{}
	result ResultEnvelope
	err    error
}

// Channel is one multiplexed VSOCK connection to a spawned VM. Multiple
// outstanding tasks share the socket keyed by task_id; each independently
// completes (§5 concurrency model, §4.12 multiplexing).
type Channel struct {
	conn      net.Conn
	heartbeat time.Duration
	log       *log.Entry

	mu        sync.Mutex
	connected bool
	pendings  map[string]*pending

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Dial opens a VSOCK channel over conn, reading frames in a background
// goroutine until Close or a read error. Every heartbeat tick pushes the
// connection deadline forward to twice heartbeat; no heartbeat frames are
// exchanged, so a disconnect is detected only when a read or write on
// conn fails.
func Dial(conn net.Conn, heartbeat time.Duration) *Channel {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	ch := &Channel{
		conn:      conn,
		heartbeat: heartbeat,
		log:       log.WithField("component", "vsock"),
		connected: true,
		pendings:  make(map[string]*pending),
		closeCh:   make(chan struct{}),
	}
	go ch.readLoop()
	go ch.heartbeatLoop()
	return ch
}

func (c *Channel) readLoop() {
	for {
		f, err := deserialize(c.conn)
		if err != nil {
			c.log.WithError(err).Warn("vsock read loop terminated")
			c.markDisconnected()
			return
		}
		if f.Kind != frameResult {
			continue
		}
		c.mu.Lock()
		p, ok := c.pendings[f.Result.TaskID]
		if ok {
			delete(c.pendings, f.Result.TaskID)
		}
		c.mu.Unlock()
		if ok {
			p.result = f.Result
			close(p.done)
		}
	}
}

func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if dl, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
				_ = dl.SetDeadline(time.Now().Add(c.heartbeat * 2))
			}
		}
	}
}

func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	pendings := c.pendings
	c.pendings = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range pendings {
		p.err = codes.New(codes.VsockDisconnected, "channel disconnected before task result arrived")
		close(p.done)
	}
}

// Send transmits task and returns its generated task_id for correlation
// with the eventual Receive (§4.12 "send(payload) -> task_id_ack").
func (c *Channel) Send(task TaskEnvelope) (string, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return "", codes.New(codes.VsockDisconnected, "channel is not connected")
	}

	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	p := &pending{done: make(chan struct{})}
	c.mu.Lock()
	c.pendings[task.TaskID] = p
	c.mu.Unlock()

	raw, err := serialize(frame{Kind: frameTask, Task: task})
	if err != nil {
		c.mu.Lock()
		delete(c.pendings, task.TaskID)
		c.mu.Unlock()
		return "", err
	}
	if _, err := c.conn.Write(raw); err != nil {
		c.mu.Lock()
		delete(c.pendings, task.TaskID)
		c.mu.Unlock()
		c.markDisconnected()
		return "", codes.Wrap(codes.VsockDisconnected, err, "write vsock frame")
	}
	return task.TaskID, nil
}

// Receive blocks until taskID's result arrives or timeout elapses
// (§4.12 "receive(task_id, timeout) -> result").
func (c *Channel) Receive(taskID string, timeout time.Duration) (ResultEnvelope, error) {
	c.mu.Lock()
	p, ok := c.pendings[taskID]
	c.mu.Unlock()
	if !ok {
		return ResultEnvelope{}, codes.Field(codes.VMNotFound, "task_id", fmt.Sprintf("no outstanding task %s", taskID))
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-p.done:
		if p.err != nil {
			return ResultEnvelope{}, p.err
		}
		return p.result, nil
	case <-timer:
		c.mu.Lock()
		delete(c.pendings, taskID)
		c.mu.Unlock()
		return ResultEnvelope{}, codes.New(codes.PeerTimeout, "timed out waiting for task result")
	}
}

// IsConnected reports whether the channel's last read loop observed the
// socket as live.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the channel, failing any still-outstanding receives.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
		c.markDisconnected()
	})
	return err
}

// writeResult is used by the guest-side peer to answer a task; kept here
// so both ends of the protocol share one frame format.
func writeResult(w io.Writer, result ResultEnvelope) error {
	raw, err := serialize(frame{Kind: frameResult, Result: result})
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
