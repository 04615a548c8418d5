// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// server relays packets between connected devices.  Every device registers
// by offering its bundle to the server; after that packets addressed to other
// devices are forwarded to their connection if they are online and dropped
// otherwise.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/companyzero/zkrelay/debug"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/companyzero/zkrelay/transport"
	"golang.org/x/sync/errgroup"
)

const (
	idApp = debug.IDApp
	idRPC = debug.IDRPC
	idRTR = debug.IDRouter

	keepAlivePeriod = 30 * time.Second
	registerTimeout = 30 * time.Second
)

var (
	ErrNotRegistered = errors.New("first packet must register")
)

type Server struct {
	*debug.Debug
	registry        *Registry
	maxSize         uint32
	registerTimeout time.Duration // time a new connection has to register
}

// New returns a server that logs to d and rejects frames larger than
// maxSize.
func New(d *debug.Debug, maxSize uint32) *Server {
	if maxSize == 0 {
		maxSize = transport.DefaultMaxPacketSize
	}
	return &Server{
		Debug:           d,
		registry:        NewRegistry(),
		maxSize:         maxSize,
		registerTimeout: registerTimeout,
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// ListenAndServe listens on address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("could not listen: %v", err)
	}
	s.Info(idApp, "Listening on %v", l.Addr())
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done.  All connections are
// closed on return.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		l.Close()
		s.registry.Close()
		return nil
	})
	eg.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					s.Error(idApp, "Accept: %v", err)
					continue
				}
				return fmt.Errorf("accept: %w", err)
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetKeepAlive(true)
				tc.SetKeepAlivePeriod(keepAlivePeriod)
			}
			go s.handleConn(conn)
		}
	})
	return eg.Wait()
}

// handleConn is the receive loop of a single connection.
func (s *Server) handleConn(conn net.Conn) {
	c := transport.New(conn, s.maxSize)
	defer c.Close()

	s.T(idApp, "connection from %v", c.RemoteAddr())

	err := conn.SetReadDeadline(time.Now().Add(s.registerTimeout))
	if err != nil {
		s.Error(idApp, "SetReadDeadline %v: %v", c.RemoteAddr(), err)
		return
	}
	addr, err := s.register(c)
	if err != nil {
		s.Warn(idApp, "register failed %v: %v", c.RemoteAddr(), err)
		return
	}
	err = conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.Error(idApp, "SetReadDeadline %v: %v", addr, err)
		s.registry.Remove(addr, c)
		return
	}
	defer func() {
		if s.registry.Remove(addr, c) {
			s.Info(idRTR, "offline: %v devices %v", addr,
				s.registry.ConnectedDeviceIDs(addr.User))
		}
	}()

	for {
		p, err := c.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				s.Dbg(idRPC, "connection closed %v: %v", addr, err)
			} else {
				s.Error(idRPC, "receive %v: %v", addr, err)
			}
			return
		}
		if p.Header.Sender != addr {
			s.Warn(idRTR, "sender mismatch %v: %v, dropped",
				addr, p.Header.Sender)
			continue
		}

		s.T(idRPC, "handleConn: %v %v -> %v", p.Header.Kind,
			p.Header.Sender, p.Header.Recipient)

		err = s.dispatch(c, addr, p)
		if err != nil {
			s.Error(idRPC, "dispatch %v: %v", addr, err)
			return
		}
	}
}

// register reads the BundleOffer that must open every connection and
// registers the device.
func (s *Server) register(c *transport.Conn) (rpc.Address, error) {
	p, err := c.Receive()
	if err != nil {
		return rpc.Address{}, err
	}
	offer, ok := p.Payload.(rpc.BundleOffer)
	if !ok {
		return rpc.Address{}, fmt.Errorf("%w: got %v", ErrNotRegistered,
			p.Header.Kind)
	}
	addr := p.Header.Sender
	switch {
	case p.Header.Recipient != rpc.ServerAddress:
		return rpc.Address{}, fmt.Errorf("%w: recipient %v",
			ErrNotRegistered, p.Header.Recipient)
	case addr.User == "" || addr.User == rpc.ServerUser:
		return rpc.Address{}, fmt.Errorf("%w: invalid user %q",
			ErrNotRegistered, addr.User)
	case addr.Device != offer.DeviceID:
		return rpc.Address{}, fmt.Errorf("%w: device %v offers %v",
			ErrNotRegistered, addr.Device, offer.DeviceID)
	}

	s.registry.Register(addr, c)
	err = s.registry.SetBundle(addr, offer)
	if err != nil {
		// replaced before we got here
		return rpc.Address{}, err
	}
	err = s.reply(c, addr, rpc.Ack{})
	if err != nil {
		s.registry.Remove(addr, c)
		return rpc.Address{}, err
	}

	s.Info(idRTR, "online: %v devices %v identity %v", addr,
		s.registry.ConnectedDeviceIDs(addr.User),
		offer.Identity.Fingerprint())
	return addr, nil
}

func (s *Server) reply(c *transport.Conn, to rpc.Address, payload rpc.Payload) error {
	p, err := rpc.NewPacket(rpc.ServerAddress, to, payload)
	if err != nil {
		return err
	}
	return c.Send(p)
}

// dispatch handles a packet from a registered device.  Only errors on the
// sender's own connection are returned.
func (s *Server) dispatch(c *transport.Conn, addr rpc.Address, p *rpc.Packet) error {
	switch payload := p.Payload.(type) {
	case rpc.BundleOffer:
		if p.Header.Recipient != rpc.ServerAddress {
			s.Warn(idRTR, "bundle offer from %v to %v, dropped", addr,
				p.Header.Recipient)
			return nil
		}
		if payload.DeviceID != addr.Device {
			s.Warn(idRTR, "bundle offer from %v for device %v, "+
				"dropped", addr, payload.DeviceID)
			return nil
		}
		err := s.registry.SetBundle(addr, payload)
		if err != nil {
			return err
		}
		s.Dbg(idRTR, "bundle refreshed: %v", addr)
		return s.reply(c, addr, rpc.Ack{})

	case rpc.BundleRequest:
		b, from, err := s.registry.Bundle(payload.Target)
		if err != nil {
			s.Warn(idRTR, "bundle request from %v: %v", addr, err)
			return s.reply(c, addr, rpc.Error{
				Subject: payload.Target.User,
				Message: err.Error(),
			})
		}
		reply, err := rpc.NewPacket(from, addr, *b)
		if err != nil {
			return err
		}
		s.Dbg(idRTR, "bundle of %v to %v", from, addr)
		return c.Send(reply)

	case rpc.HandshakeMessage, rpc.EstablishedMessage, rpc.Ack, rpc.Error:
		if p.Header.Recipient == rpc.ServerAddress {
			s.T(idRTR, "%v from %v to server", p.Header.Kind, addr)
			return nil
		}
		err := s.route(p)
		if err != nil {
			s.Warn(idRTR, "%v, dropped", err)
		}
		return nil

	default:
		return fmt.Errorf("unhandled kind %v", p.Header.Kind)
	}
}

// route forwards p to its recipient.  Failures are never retried.
func (s *Server) route(p *rpc.Packet) error {
	t, found := s.registry.Lookup(p.Header.Recipient)
	if !found {
		return &RoutingError{
			Recipient: p.Header.Recipient,
			Kind:      p.Header.Kind,
			Err:       ErrNotConnected,
		}
	}
	err := t.Send(p)
	if err != nil {
		return &RoutingError{
			Recipient: p.Header.Recipient,
			Kind:      p.Header.Kind,
			Err:       err,
		}
	}
	s.T(idRTR, "routed %v %v -> %v", p.Header.Kind, p.Header.Sender,
		p.Header.Recipient)
	return nil
}
