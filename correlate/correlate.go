// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// correlate is a package that matches asynchronous requests with the response
// packets that eventually arrive for them.  A caller uses Begin to install a
// slot and send the request; the packet dispatcher uses Resolve or Fail when
// the response shows up.  There is at most one slot per Key.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/companyzero/zkrelay/rpc"
)

var (
	ErrClosed = errors.New("connection closed")
)

// Key identifies a pending request by peer user and request kind.
type Key struct {
	User string
	Kind rpc.Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%v/%v", k.User, k.Kind)
}

// Request is the awaitable handle returned by Begin.
type Request struct {
	key     Key
	pending *Pending

	once   sync.Once
	done   chan struct{}
	packet *rpc.Packet
	err    error
}

func (r *Request) complete(p *rpc.Packet, err error) {
	r.once.Do(func() {
		r.packet = p
		r.err = err
		close(r.done)
	})
}

// Done is closed once the request completed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the response arrives, the request fails or ctx is done.
// A cancelled wait removes the slot and fails the request for every caller
// that obtained it from Begin, not only the one whose ctx was cancelled.
// Callers that share a Key and need independent deadlines must serialize
// their requests.
func (r *Request) Wait(ctx context.Context) (*rpc.Packet, error) {
	select {
	case <-r.done:
		return r.packet, r.err
	case <-ctx.Done():
		r.pending.cancel(r, ctx.Err())
		<-r.done
		return r.packet, r.err
	}
}

// Pending is an opaque type that contains the pending slots of a single
// connection.
type Pending struct {
	sync.Mutex

	slots    map[Key]*Request
	closed   bool
	closeErr error
}

// New returns a pointer to a Pending structure.
func New() *Pending {
	return &Pending{
		slots: make(map[Key]*Request),
	}
}

// Begin installs a slot for key and invokes send.  If a request for key is
// already outstanding that request is returned and send is not called.  When
// send fails the slot is removed and the request completes with the send
// error.
func (p *Pending) Begin(key Key, send func() error) *Request {
	p.Lock()
	if r, found := p.slots[key]; found {
		p.Unlock()
		return r
	}
	r := &Request{
		key:     key,
		pending: p,
		done:    make(chan struct{}),
	}
	if p.closed {
		p.Unlock()
		r.complete(nil, p.closeErr)
		return r
	}
	p.slots[key] = r
	p.Unlock()

	err := send()
	if err != nil {
		p.remove(r)
		r.complete(nil, err)
	}
	return r
}

// remove deletes r's slot if it is still the installed one.
func (p *Pending) remove(r *Request) bool {
	p.Lock()
	defer p.Unlock()

	if p.slots[r.key] != r {
		return false
	}
	delete(p.slots, r.key)
	return true
}

func (p *Pending) cancel(r *Request, err error) {
	p.remove(r)
	r.complete(nil, err)
}

func (p *Pending) take(key Key) *Request {
	p.Lock()
	defer p.Unlock()

	r, found := p.slots[key]
	if !found {
		return nil
	}
	delete(p.slots, key)
	return r
}

// Resolve completes the request pending for key with packet.  It returns
// false if nothing was pending.
func (p *Pending) Resolve(key Key, packet *rpc.Packet) bool {
	r := p.take(key)
	if r == nil {
		return false
	}
	r.complete(packet, nil)
	return true
}

// Fail completes the request pending for key with err.
func (p *Pending) Fail(key Key, err error) bool {
	r := p.take(key)
	if r == nil {
		return false
	}
	r.complete(nil, err)
	return true
}

// Close fails all pending requests and rejects future ones.  err is wrapped
// around ErrClosed.
func (p *Pending) Close(err error) {
	if err == nil {
		err = ErrClosed
	} else if !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}

	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	slots := p.slots
	p.slots = make(map[Key]*Request)
	p.Unlock()

	for _, r := range slots {
		r.complete(nil, err)
	}
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	p.Lock()
	defer p.Unlock()

	return len(p.slots)
}
