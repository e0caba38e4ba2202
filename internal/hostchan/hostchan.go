// Package hostchan implements the worker side of the host channel: newline
// delimited JSON messages over a unix domain socket. Host to worker messages
// are operations; worker to host messages are upcalls. Upcalls that need an
// answer block until the host replies with the matching message id.
package hostchan

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by pending asks when the channel goes away.
var ErrClosed = errors.New("host channel closed")

// Message is one frame on the channel.
type Message struct {
	// ID correlates a reply with its request; empty on one-way messages.
	ID string `json:"id,omitempty"`

	// Type names the operation or upcall.
	Type string `json:"type"`

	// Args is the type-specific payload.
	Args json.RawMessage `json:"args,omitempty"`
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Args, v); err != nil {
		return fmt.Errorf("decode %s args: %w", m.Type, err)
	}
	return nil
}

// Conn is one end of a host channel. Writes are serialized; Serve must run
// on exactly one goroutine.
type Conn struct {
	conn net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	pmu     sync.Mutex
	pending map[string]chan Message
	closed  bool
}

// Dial connects to the unix socket at path.
func Dial(path string) (*Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial host channel: %w", err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: map[string]chan Message{},
	}
}

// Close tears the channel down and fails every pending Ask.
func (c *Conn) Close() error {
	c.failPending()
	return c.conn.Close()
}

func (c *Conn) send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	// json.Encoder terminates every value with a newline, which is
	// exactly the framing of the channel.
	return c.enc.Encode(msg)
}

// Notify sends a one-way upcall.
func (c *Conn) Notify(typ string, args any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	return c.send(Message{Type: typ, Args: raw})
}

// Reply answers the request identified by id.
func (c *Conn) Reply(id, typ string, args any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	return c.send(Message{ID: id, Type: typ, Args: raw})
}

// Ask sends an upcall that needs an answer and blocks until the host
// replies with the same id.
func (c *Conn) Ask(typ string, args any) (Message, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return Message{}, err
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)

	c.pmu.Lock()
	if c.closed {
		c.pmu.Unlock()
		return Message{}, ErrClosed
	}
	c.pending[id] = ch
	c.pmu.Unlock()

	if err := c.send(Message{ID: id, Type: typ, Args: raw}); err != nil {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
		return Message{}, err
	}

	reply, ok := <-ch
	if !ok {
		return Message{}, ErrClosed
	}
	return reply, nil
}

// Serve reads messages until the connection fails. Replies to outstanding
// asks are routed to their waiters as soon as they arrive; everything else
// goes to handle on a dedicated goroutine, one message at a time in arrival
// order. A handler may therefore Ask and still receive its answer.
func (c *Conn) Serve(handle func(Message)) error {
	queue := newMsgQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, ok := queue.next()
			if !ok {
				return
			}
			handle(msg)
		}
	}()
	defer func() {
		c.failPending()
		queue.close()
		<-done
	}()

	dec := json.NewDecoder(c.conn)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return err
		}

		if msg.ID != "" {
			c.pmu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pmu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}
		queue.push(msg)
	}
}

// msgQueue is the unbounded FIFO between the channel reader and the handler
// goroutine. Unbounded on purpose: the reader must never stall, or it could
// not route the reply a running handler is waiting for.
type msgQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []Message
	closed bool
}

func newMsgQueue() *msgQueue {
	q := &msgQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *msgQueue) push(msg Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	q.cond.Signal()
}

// next blocks until a message is queued; the false return means the queue
// was closed and drained.
func (q *msgQueue) next() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *msgQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (c *Conn) failPending() {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func marshalArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return raw, nil
}
