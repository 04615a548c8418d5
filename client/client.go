// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// client drives a single device: it registers with the server, sets up
// sessions with peers on first contact and decrypts whatever arrives.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/companyzero/zkrelay/correlate"
	"github.com/companyzero/zkrelay/debug"
	"github.com/companyzero/zkrelay/e2e"
	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/keystore"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/companyzero/zkrelay/transport"
)

const (
	idRPC = debug.IDRPC
	idSES = debug.IDSession
	idCLI = debug.IDClient
)

var (
	ErrConnected    = errors.New("already connected")
	ErrNotConnected = errors.New("not connected")
	ErrInvalidPeer  = errors.New("invalid peer")
)

// ServerError is an error the server returned for a request.
type ServerError struct {
	Subject string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %v: %v", e.Subject, e.Message)
}

// Handler is called for every decrypted message.  It runs on the receive
// loop and must not block.
type Handler func(from rpc.Address, plaintext []byte)

// Config describes the local device and how to reach the server.
type Config struct {
	Server         string          // server host:port
	Address        rpc.Address     // local device
	MaxPacketSize  uint32          // 0 selects the transport default
	Trust          e2e.TrustPolicy // identity change policy
	OneTimePreKeys int             // pool size restored after a consume
	Handler        Handler         // receives decrypted messages
}

// Client is a single connection.  Once Done is closed a new Client is
// required.
type Client struct {
	*debug.Debug
	cfg     Config
	engine  *e2e.Engine
	pending *correlate.Pending

	conn *transport.Conn
	done chan struct{}
	err  error // valid after done is closed

	reoffer atomic.Bool

	mtx      sync.Mutex
	peers    map[string]*sync.Mutex // serializes sends per peer user
	resolved map[string]rpc.Address // device a send to the user goes to
}

// New returns an unconnected client for the device described by cfg whose
// keys live in store.
func New(cfg Config, store keystore.Store, d *debug.Debug) (*Client, error) {
	if cfg.Address.User == "" || cfg.Address.User == rpc.ServerUser ||
		cfg.Address.Device == 0 {
		return nil, fmt.Errorf("invalid address: %v", cfg.Address)
	}
	c := &Client{
		Debug:    d,
		cfg:      cfg,
		pending:  correlate.New(),
		done:     make(chan struct{}),
		peers:    make(map[string]*sync.Mutex),
		resolved: make(map[string]rpc.Address),
	}
	c.engine = e2e.New(store,
		e2e.WithTrustPolicy(cfg.Trust),
		e2e.WithIdentityChanged(c.identityChanged),
		e2e.WithPreKeyConsumed(func(id uint32) {
			c.Dbg(idSES, "one-time pre-key consumed: %v", id)
			c.reoffer.Store(true)
		}))
	return c, nil
}

func (c *Client) identityChanged(peer rpc.Address, old, new identity.Public) {
	c.Warn(idSES, "identity of %v changed from %v to %v", peer,
		old.Fingerprint(), new.Fingerprint())
}

func (c *Client) Engine() *e2e.Engine {
	return c.engine
}

func (c *Client) Address() rpc.Address {
	return c.cfg.Address
}

// Done is closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was lost.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Connect dials the server, starts the receive loop and registers this
// device.  It returns once the server acknowledged the registration.
func (c *Client) Connect(ctx context.Context) error {
	c.mtx.Lock()
	if c.conn != nil {
		c.mtx.Unlock()
		return ErrConnected
	}
	conn, err := transport.Dial(ctx, c.cfg.Server, c.cfg.MaxPacketSize)
	if err != nil {
		c.mtx.Unlock()
		return err
	}
	c.conn = conn
	c.mtx.Unlock()

	c.Info(idCLI, "connected to %v as %v", conn.RemoteAddr(),
		c.cfg.Address)
	go c.receive()

	offer, err := c.engine.Bundle(c.cfg.Address.Device)
	if err != nil {
		conn.Close()
		return err
	}
	req := c.pending.Begin(correlate.Key{
		User: rpc.ServerUser,
		Kind: rpc.KindBundleOffer,
	}, func() error {
		return c.send(rpc.ServerAddress, *offer)
	})
	_, err = req.Wait(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}
	c.Info(idCLI, "registered %v", c.cfg.Address)
	return nil
}

// Close tears down the connection and waits for the receive loop to exit.
func (c *Client) Close() error {
	c.mtx.Lock()
	conn := c.conn
	c.mtx.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	err := conn.Close()
	<-c.done
	return err
}

func (c *Client) send(to rpc.Address, payload rpc.Payload) error {
	p, err := rpc.NewPacket(c.cfg.Address, to, payload)
	if err != nil {
		return err
	}
	c.T(idRPC, "send %v -> %v", p.Header.Kind, to)
	return c.conn.Send(p)
}

// lockPeer serializes sends to the devices of user.
func (c *Client) lockPeer(user string) func() {
	c.mtx.Lock()
	l, found := c.peers[user]
	if !found {
		l = new(sync.Mutex)
		c.peers[user] = l
	}
	c.mtx.Unlock()

	l.Lock()
	return l.Unlock
}

// Send encrypts plaintext for peer and hands it to the server.  A peer
// device of 0 goes to a device we already share a session with, or lets the
// server pick one on first contact; later sends go to the same device.  If there is no session yet the peer's bundle is
// requested first.
func (c *Client) Send(ctx context.Context, peer rpc.Address, plaintext []byte) error {
	if peer.User == "" || peer.User == rpc.ServerUser {
		return ErrInvalidPeer
	}
	c.mtx.Lock()
	connected := c.conn != nil
	c.mtx.Unlock()
	if !connected {
		return ErrNotConnected
	}

	unlock := c.lockPeer(peer.User)
	defer unlock()

	target := peer
	if target.Device == 0 {
		if r, found := c.resolve(peer.User); found {
			target = r
		}
	}
	if target.Device == 0 || !c.engine.HasSession(target) {
		var err error
		target, err = c.initiate(ctx, peer)
		if err != nil {
			return err
		}
	}

	var payload rpc.Payload
	if c.engine.IsEstablished(target) {
		ct, err := c.engine.EncryptMessage(target, plaintext)
		if err != nil {
			return err
		}
		payload = rpc.EstablishedMessage{Ciphertext: ct}
	} else {
		ct, err := c.engine.EncryptHandshakeMessage(target, plaintext)
		if err != nil {
			return err
		}
		payload = rpc.HandshakeMessage{Ciphertext: ct}
	}
	return c.send(target, payload)
}

// resolve returns the device a send to user without a device goes to: the
// one picked earlier or else one we share a session with, established ones
// first.
func (c *Client) resolve(user string) (rpc.Address, bool) {
	c.mtx.Lock()
	r, found := c.resolved[user]
	c.mtx.Unlock()
	if found {
		return r, true
	}

	var pending rpc.Address
	for _, id := range c.engine.Store().SessionDeviceIDs(user) {
		a := rpc.Address{User: user, Device: id}
		if c.engine.IsEstablished(a) {
			c.remember(a)
			return a, true
		}
		if pending.Device == 0 {
			pending = a
		}
	}
	if pending.Device == 0 {
		return rpc.Address{}, false
	}
	c.remember(pending)
	return pending, true
}

// remember records peer as the device of its user unless one was picked
// already.
func (c *Client) remember(peer rpc.Address) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, found := c.resolved[peer.User]; !found {
		c.resolved[peer.User] = peer
	}
}

// initiate fetches the bundle of peer and creates a session with the device
// it belongs to.
func (c *Client) initiate(ctx context.Context, peer rpc.Address) (rpc.Address, error) {
	req := c.pending.Begin(correlate.Key{
		User: peer.User,
		Kind: rpc.KindBundleRequest,
	}, func() error {
		return c.send(rpc.ServerAddress, rpc.BundleRequest{Target: peer})
	})
	p, err := req.Wait(ctx)
	if err != nil {
		return rpc.Address{}, fmt.Errorf("bundle %v: %w", peer, err)
	}
	offer := p.Payload.(rpc.BundleOffer)
	from := p.Header.Sender
	if peer.Device != 0 && from != peer {
		return rpc.Address{}, fmt.Errorf("bundle %v: offered by %v",
			peer, from)
	}

	if c.engine.IsEstablished(from) {
		// the peer reached us first while we waited
		c.remember(from)
		return from, nil
	}
	err = c.engine.InitializeSession(from, &offer)
	if err != nil {
		return rpc.Address{}, err
	}
	if peer.Device == 0 {
		c.remember(from)
	}
	c.Dbg(idSES, "session initialized with %v identity %v", from,
		offer.Identity.Fingerprint())
	return from, nil
}

// receive is the receive loop.  It runs until the connection dies and then
// fails every outstanding request.
func (c *Client) receive() {
	defer close(c.done)

	for {
		p, err := c.conn.Receive()
		if err != nil {
			c.err = err
			c.pending.Close(err)
			c.conn.Close()
			if errors.Is(err, transport.ErrClosed) {
				c.Dbg(idRPC, "connection closed: %v", err)
			} else {
				c.Error(idRPC, "receive: %v", err)
			}
			return
		}
		c.T(idRPC, "receive %v <- %v", p.Header.Kind, p.Header.Sender)
		c.dispatch(p)
	}
}

func (c *Client) dispatch(p *rpc.Packet) {
	from := p.Header.Sender
	switch payload := p.Payload.(type) {
	case rpc.BundleOffer:
		key := correlate.Key{User: from.User, Kind: rpc.KindBundleRequest}
		if !c.pending.Resolve(key, p) {
			c.Dbg(idRPC, "unsolicited bundle from %v", from)
		}

	case rpc.BundleRequest:
		c.Warn(idRPC, "unexpected bundle request from %v", from)

	case rpc.HandshakeMessage:
		pt, err := c.engine.DecryptHandshakeMessage(from, payload.Ciphertext)
		c.deliver(from, pt, err)
		if c.reoffer.Swap(false) {
			c.refresh()
		}

	case rpc.EstablishedMessage:
		pt, err := c.engine.DecryptMessage(from, payload.Ciphertext)
		c.deliver(from, pt, err)

	case rpc.Ack:
		if from == rpc.ServerAddress {
			key := correlate.Key{User: rpc.ServerUser,
				Kind: rpc.KindBundleOffer}
			if !c.pending.Resolve(key, p) {
				c.T(idRPC, "server ack")
			}
			return
		}
		c.T(idRPC, "delivered to %v", from)

	case rpc.Error:
		err := &ServerError{Subject: payload.Subject,
			Message: payload.Message}
		if from != rpc.ServerAddress {
			c.Warn(idRPC, "error from peer %v ignored: %v", from,
				payload.Message)
			return
		}
		key := correlate.Key{User: payload.Subject,
			Kind: rpc.KindBundleRequest}
		if payload.Subject == "" || !c.pending.Fail(key, err) {
			c.Warn(idRPC, "%v", err)
		}

	default:
		c.Error(idRPC, "unhandled kind %v from %v", p.Header.Kind, from)
	}
}

// deliver hands a decrypted message to the handler and acknowledges it.
// Messages that fail to decrypt are dropped.
func (c *Client) deliver(from rpc.Address, plaintext []byte, err error) {
	if err != nil {
		c.Warn(idSES, "message from %v dropped: %v", from, err)
		return
	}
	c.remember(from)
	if c.cfg.Handler != nil {
		c.cfg.Handler(from, plaintext)
	}
	err = c.send(from, rpc.Ack{})
	if err != nil {
		c.Dbg(idRPC, "ack %v: %v", from, err)
	}
}

// refresh tops up the one-time pre-keys and offers a fresh bundle so that the
// server never hands out a consumed one-time pre-key.
func (c *Client) refresh() {
	_, err := c.engine.Provision(c.cfg.OneTimePreKeys)
	if err != nil {
		c.Error(idSES, "provision: %v", err)
		return
	}
	offer, err := c.engine.Bundle(c.cfg.Address.Device)
	if err != nil {
		c.Error(idSES, "bundle: %v", err)
		return
	}
	err = c.send(rpc.ServerAddress, *offer)
	if err != nil {
		c.Dbg(idRPC, "bundle refresh: %v", err)
		return
	}
	c.Dbg(idSES, "bundle refreshed, one-time pre-key %v",
		offer.OneTimePreKeyID)
}
