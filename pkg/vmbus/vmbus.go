// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vmbus implements the guest side of the host channel.
//
// A Channel multiplexes concurrent requests over one stream connection.
// Every request carries a request id drawn from an atomic counter; a single
// receive goroutine matches responses to the waiting senders and forwards
// unsolicited host notifications to the subscriber.
//
// Lock ordering:
//
//	Channel.writeMu
//	Channel.mu
//
// Neither lock is held while blocking on the connection's reader, and no
// other lock in the module may be acquired while holding them.
package vmbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/sync"
)

// Transport is the request/response channel to the host used to mirror
// object lifecycle operations.
type Transport interface {
	// Send sends req and blocks until the host answers, the channel fails,
	// or ctx is done. A response carrying a failure status is returned
	// together with a *dxgerr.HostError.
	Send(ctx context.Context, req *d3dkmt.Message) (*d3dkmt.Message, error)

	// Subscribe returns the channel on which host notifications are
	// delivered. It is closed when the transport is closed.
	Subscribe() <-chan d3dkmt.Notification

	// Close closes the transport, failing every outstanding request.
	Close() error
}

// Options configures a Channel.
type Options struct {
	// Timeout bounds every request. Zero means requests are only bounded by
	// their context.
	Timeout time.Duration

	// Logger receives channel diagnostics. Nil means the global logger.
	Logger log.Logger
}

type result struct {
	msg *d3dkmt.Message
	err error
}

// Channel is a Transport over a stream connection.
type Channel struct {
	conn    net.Conn
	opts    Options
	version uint32

	nextID atomic.Uint64

	// writeMu serializes frame writes.
	writeMu sync.Mutex

	// mu protects the fields below.
	mu      sync.Mutex
	pending map[uint64]chan result
	err     error
	queue   []d3dkmt.Notification

	// queued is signalled when a notification is appended to queue.
	queued chan struct{}

	notify chan d3dkmt.Notification
	done   chan struct{}
}

var _ Transport = (*Channel)(nil)

// NewChannel starts a channel over conn and negotiates the interface
// version with the host. The channel owns conn.
func NewChannel(ctx context.Context, conn net.Conn, opts Options) (*Channel, error) {
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	c := &Channel{
		conn:    conn,
		opts:    opts,
		pending: make(map[uint64]chan result),
		queued:  make(chan struct{}, 1),
		notify:  make(chan d3dkmt.Notification),
		done:    make(chan struct{}),
	}
	go c.receive()
	go c.forward()

	resp, err := c.Send(ctx, &d3dkmt.Message{
		Command: d3dkmt.CmdHello,
		Args:    []uint64{d3dkmt.InterfaceVersion},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("host channel handshake: %w", err)
	}
	hostVersion := resp.Arg(0)
	if hostVersion < d3dkmt.LastCompatibleInterfaceVersion {
		c.Close()
		return nil, fmt.Errorf("host interface version %d older than %d: %w", hostVersion, d3dkmt.LastCompatibleInterfaceVersion, dxgerr.EINVAL)
	}
	c.version = uint32(min(hostVersion, d3dkmt.InterfaceVersion))
	c.opts.Logger.Debugf("host channel open, interface version %d", c.version)
	return c, nil
}

// Version returns the negotiated interface version.
func (c *Channel) Version() uint32 {
	return c.version
}

// Done returns a channel that is closed once the channel has failed or been
// closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that terminated the channel, or nil if it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send implements Transport.Send.
func (c *Channel) Send(ctx context.Context, req *d3dkmt.Message) (*d3dkmt.Message, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	done := make(chan result, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = done
	c.mu.Unlock()

	frame := &d3dkmt.Frame{Kind: d3dkmt.FrameRequest, RequestID: id, Message: req}
	if err := c.writeFrame(frame); err != nil {
		c.forget(id)
		if errors.Is(err, d3dkmt.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%v: %w", err, dxgerr.EINVAL)
		}
		c.fail(err)
		return nil, dxgerr.ErrChannel
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, dxgerr.NewHostError(req.Command, r.msg.Status)
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, dxgerr.ErrTimeout
		}
		return nil, fmt.Errorf("%v: %w", ctx.Err(), dxgerr.ErrChannel)
	}
}

// Subscribe implements Transport.Subscribe.
func (c *Channel) Subscribe() <-chan d3dkmt.Notification {
	return c.notify
}

// Close implements Transport.Close.
func (c *Channel) Close() error {
	c.fail(dxgerr.ErrChannel)
	return nil
}

func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail terminates the channel with err, which is returned to every pending
// and future request. Only the first call has any effect.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if !errors.Is(err, dxgerr.ErrChannel) {
		c.opts.Logger.Warningf("host channel failed: %v", err)
		err = dxgerr.ErrChannel
	}
	c.err = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
	for _, done := range pending {
		done <- result{err: err}
	}
}

func (c *Channel) writeFrame(f *d3dkmt.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, f)
}

// receive is the channel's receive goroutine.
func (c *Channel) receive() {
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = dxgerr.ErrChannel
			}
			c.fail(err)
			return
		}
		switch f.Kind {
		case d3dkmt.FrameResponse:
			c.mu.Lock()
			done, ok := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if !ok {
				// The sender gave up on this request.
				if c.opts.Logger.IsLogging(log.Debug) {
					c.opts.Logger.Debugf("dropping response to abandoned request %d: %v", f.RequestID, f.Message)
				}
				continue
			}
			done <- result{msg: f.Message}
		case d3dkmt.FrameNotification:
			c.mu.Lock()
			c.queue = append(c.queue, *f.Notification)
			c.mu.Unlock()
			select {
			case c.queued <- struct{}{}:
			default:
			}
		default:
			c.fail(fmt.Errorf("unexpected frame kind %d from host", f.Kind))
			return
		}
	}
}

// forward delivers queued notifications to the subscriber, so that a slow
// subscriber never stalls responses.
func (c *Channel) forward() {
	defer close(c.notify)
	for {
		select {
		case <-c.queued:
		case <-c.done:
			return
		}
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, n := range queue {
			select {
			case c.notify <- n:
			case <-c.done:
				return
			}
		}
	}
}

// frameHeaderSize is the size of the length prefix of every frame.
const frameHeaderSize = 4

// WriteFrame writes f to w with its length prefix.
func WriteFrame(w io.Writer, f *d3dkmt.Frame) error {
	body, err := d3dkmt.MarshalFrame(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, frameHeaderSize+len(body))
	buf = protowire.AppendFixed32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*d3dkmt.Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size, n := protowire.ConsumeFixed32(hdr[:])
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	if size > d3dkmt.MaxPacketSize {
		return nil, d3dkmt.ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return d3dkmt.UnmarshalFrame(body)
}
