// Package memlog is an in-process, single-partition message log with
// consumer-group offsets. It behaves like the Kafka and NATS sources as far as
// the transaction event stream can tell: polling never commits, a restarted
// group resumes from its last commit, consumers sharing a group split the
// log, and distinct groups each see all of it. A group's committed offset
// never passes a message some member polled without committing, and messages
// held by a member that leaves without committing go back to its peers.
package memlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PremierFoxes/vault/client"
)

// ErrClosed is returned by operations on a closed consumer or log.
var ErrClosed = fmt.Errorf("memlog: %w", client.ErrSourceClosed)

type groupKey struct {
	topic string
	group string
}

type groupState struct {
	committed int64
	position  int64
	members   int

	// inflight holds offsets polled by a live member and not yet committed.
	inflight map[int64]struct{}
	// released holds offsets of members that closed without committing,
	// in ascending order. They are polled again before position.
	released []int64
}

func (g *groupState) reset() {
	g.position = g.committed
	g.inflight = make(map[int64]struct{})
	g.released = nil
}

// advanceLocked moves committed up to the lowest offset still outstanding.
func (g *groupState) advanceLocked() {
	low := g.position
	for offset := range g.inflight {
		if offset < low {
			low = offset
		}
	}
	if len(g.released) > 0 && g.released[0] < low {
		low = g.released[0]
	}
	if low > g.committed {
		g.committed = low
	}
}

// Log holds topics of messages and the committed offset of every group.
type Log struct {
	mu     sync.Mutex
	topics map[string][][]byte
	groups map[groupKey]*groupState
	notify chan struct{}
	closed bool
}

// New creates an empty log.
func New() *Log {
	return &Log{
		topics: make(map[string][][]byte),
		groups: make(map[groupKey]*groupState),
		notify: make(chan struct{}),
	}
}

// Send appends data to topic. The message is visible to consumers when Send
// returns.
func (l *Log) Send(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	l.topics[topic] = append(l.topics[topic], msg)
	l.broadcastLocked()
	return nil
}

// Close closes the log. Blocked polls return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.broadcastLocked()
	}
	return nil
}

// broadcastLocked wakes every blocked poll. l.mu must be held.
func (l *Log) broadcastLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Len returns the number of messages in topic.
func (l *Log) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topics[topic])
}

// Committed returns the next offset group will read from topic after a
// restart.
func (l *Log) Committed(topic, group string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.groups[groupKey{topic, group}]; ok {
		return g.committed
	}
	return 0
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	fromLatest bool
}

// FromLatest starts a group without committed offsets at the end of the
// topic instead of the beginning.
func FromLatest() ConsumerOption {
	return func(o *consumerOptions) { o.fromLatest = true }
}

// Consumer reads one topic as a member of a group.
type Consumer struct {
	log   *Log
	key   groupKey
	state *groupState

	polled []int64
	atEOF  bool
	closed bool
}

// NewConsumer joins group on topic. If the group has no live members its read
// position is reset to the committed offset, which is what a process restart
// looks like.
func (l *Log) NewConsumer(topic, group string, opts ...ConsumerOption) *Consumer {
	var o consumerOptions
	for _, opt := range opts {
		opt(&o)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := groupKey{topic, group}
	g, ok := l.groups[key]
	if !ok {
		g = &groupState{}
		if o.fromLatest {
			g.committed = int64(len(l.topics[topic]))
		}
		l.groups[key] = g
	}
	if g.members == 0 {
		g.reset()
	}
	g.members++

	return &Consumer{log: l, key: key, state: g}
}

// Poll returns the next message for the group, client.ErrPartitionEOF once each time
// the topic is drained, or (nil, nil) after timeout.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.log.mu.Lock()
		if c.closed || c.log.closed {
			c.log.mu.Unlock()
			return nil, ErrClosed
		}

		msgs := c.log.topics[c.key.topic]
		g := c.state
		if len(g.released) > 0 || g.position < int64(len(msgs)) {
			var offset int64
			if len(g.released) > 0 {
				offset = g.released[0]
				g.released = g.released[1:]
			} else {
				offset = g.position
				g.position++
			}
			g.inflight[offset] = struct{}{}
			c.polled = append(c.polled, offset)
			c.atEOF = false
			msg := msgs[offset]
			c.log.mu.Unlock()

			out := make([]byte, len(msg))
			copy(out, msg)
			return out, nil
		}

		if !c.atEOF {
			c.atEOF = true
			c.log.mu.Unlock()
			return nil, client.ErrPartitionEOF
		}

		notify := c.log.notify
		c.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Commit records every message this consumer polled as consumed by the group.
// The group's committed offset only moves past messages that no other member
// still holds.
func (c *Consumer) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, offset := range c.polled {
		delete(c.state.inflight, offset)
	}
	c.polled = nil
	c.state.advanceLocked()
	return nil
}

// Close leaves the group without committing. Messages this consumer polled
// since its last commit are handed to the remaining members.
func (c *Consumer) Close() error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	g := c.state
	for _, offset := range c.polled {
		delete(g.inflight, offset)
		g.released = append(g.released, offset)
	}
	sort.Slice(g.released, func(i, j int) bool { return g.released[i] < g.released[j] })
	c.polled = nil

	g.members--
	c.log.broadcastLocked()
	return nil
}
