// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// rpc contains all structures required by the zkrelay protocol.
//
// Every packet consists of two discrete pieces that are XDR encoded back to
// back: a Header and exactly one payload whose type is selected by
// Header.Kind.
//
// The session life cycle is as follows:
//	1. a device connects and sends a BundleOffer addressed to ServerAddress.
//	   The server registers the device and replies with an Ack.
//	2. to contact a peer for the first time a device sends a BundleRequest
//	   to the server which replies with the peer's BundleOffer, or with an
//	   Error when the peer has no connected device.
//	3. the device builds a session from the bundle and sends
//	   HandshakeMessages to the peer until the peer replies.
//	4. once both sides hold the session EstablishedMessages are exchanged.
//	   The server relays both message kinds without being able to read
//	   them.
package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/zkrelay/identity"
	"github.com/davecgh/go-xdr/xdr2"
)

const (
	ProtocolVersion = 1

	// ServerUser is the user name of the server's well-known address.
	ServerUser = "zkrelay"
)

// ServerAddress is the well-known address packets meant for the server itself
// are sent to.
var ServerAddress = Address{User: ServerUser}

var (
	ErrInvalidKind    = errors.New("invalid packet kind")
	ErrKindMismatch   = errors.New("payload does not match packet kind")
	ErrInvalidVersion = errors.New("invalid protocol version")
	ErrTrailingData   = errors.New("trailing data after payload")
)

// Kind identifies the payload carried by a packet.
type Kind uint32

const (
	KindBundleOffer Kind = iota + 1
	KindBundleRequest
	KindHandshakeMessage
	KindEstablishedMessage
	KindAck
	KindError
)

var kindNames = map[Kind]string{
	KindBundleOffer:        "bundleoffer",
	KindBundleRequest:      "bundlerequest",
	KindHandshakeMessage:   "handshake",
	KindEstablishedMessage: "established",
	KindAck:                "ack",
	KindError:              "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.FormatUint(uint64(k), 10) + ")"
}

// Address identifies a single device of a user.  Device 0 is reserved for the
// server and, in a BundleRequest, for "any device".
type Address struct {
	User   string
	Device uint32
}

func (a Address) String() string {
	return a.User + ":" + strconv.FormatUint(uint64(a.Device), 10)
}

// ParseAddress parses user:device.  A bare user yields device 0.
func ParseAddress(s string) (Address, error) {
	user, device, found := strings.Cut(s, ":")
	if user == "" {
		return Address{}, fmt.Errorf("invalid address: %q", s)
	}
	if !found {
		return Address{User: user}, nil
	}
	d, err := strconv.ParseUint(device, 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device in %q: %v", s, err)
	}
	return Address{User: user, Device: uint32(d)}, nil
}

// Header is the fixed first half of every packet.
type Header struct {
	Version   uint32
	Kind      Kind
	TimeStamp int64
	Sender    Address
	Recipient Address
}

// Payload is the closed set of packet bodies.  Only types in this package
// implement it.
type Payload interface {
	Kind() Kind
	validate() error
}

// BundleOffer is the public pre-key material of a device.  It is sent to the
// server to register and served by the server in reply to a BundleRequest.
type BundleOffer struct {
	RegistrationID        uint32
	DeviceID              uint32
	OneTimePreKeyID       uint32
	HasOneTimePreKey      bool
	OneTimePreKey         [identity.KeySize]byte
	SignedPreKeyID        uint32
	SignedPreKey          [identity.KeySize]byte
	SignedPreKeySignature [64]byte
	Identity              identity.Public
}

// BundleRequest asks the server for the bundle of Target.
type BundleRequest struct {
	Target Address
}

// HandshakeMessage carries the first ciphertexts of a session.
type HandshakeMessage struct {
	Ciphertext []byte
}

// EstablishedMessage carries ciphertexts of an established session.
type EstablishedMessage struct {
	Ciphertext []byte
}

type Ack struct{}

// Error reports a failed request.  Subject is the user the failure is about,
// if any.
type Error struct {
	Subject string
	Message string
}

func (BundleOffer) Kind() Kind        { return KindBundleOffer }
func (BundleRequest) Kind() Kind      { return KindBundleRequest }
func (HandshakeMessage) Kind() Kind   { return KindHandshakeMessage }
func (EstablishedMessage) Kind() Kind { return KindEstablishedMessage }
func (Ack) Kind() Kind                { return KindAck }
func (Error) Kind() Kind              { return KindError }

func (b BundleOffer) validate() error {
	switch {
	case b.DeviceID == 0:
		return fmt.Errorf("bundle offer: missing device id")
	case b.Identity.IsZero():
		return fmt.Errorf("bundle offer: missing identity")
	case b.SignedPreKey == [identity.KeySize]byte{}:
		return fmt.Errorf("bundle offer: missing signed pre-key")
	}
	return nil
}

func (b BundleRequest) validate() error {
	if b.Target.User == "" {
		return fmt.Errorf("bundle request: missing target")
	}
	return nil
}

func (h HandshakeMessage) validate() error {
	if len(h.Ciphertext) == 0 {
		return fmt.Errorf("handshake: empty ciphertext")
	}
	return nil
}

func (e EstablishedMessage) validate() error {
	if len(e.Ciphertext) == 0 {
		return fmt.Errorf("established: empty ciphertext")
	}
	return nil
}

func (Ack) validate() error { return nil }

func (e Error) validate() error {
	if e.Message == "" {
		return fmt.Errorf("error: empty message")
	}
	return nil
}

// Packet is a header and its matching payload.
type Packet struct {
	Header  Header
	Payload Payload
}

// NewPacket assembles a packet.  The header kind is derived from the payload
// so the two can not disagree.
func NewPacket(sender, recipient Address, payload Payload) (*Packet, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload")
	}
	p := &Packet{
		Header: Header{
			Version:   ProtocolVersion,
			Kind:      payload.Kind(),
			TimeStamp: time.Now().Unix(),
			Sender:    sender,
			Recipient: recipient,
		},
		Payload: payload,
	}
	err := p.Validate()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Validate verifies that exactly the payload announced by the header is
// present and well formed.
func (p *Packet) Validate() error {
	if p.Header.Version != ProtocolVersion {
		return ErrInvalidVersion
	}
	if _, ok := kindNames[p.Header.Kind]; !ok {
		return ErrInvalidKind
	}
	if p.Payload == nil || p.Payload.Kind() != p.Header.Kind {
		return ErrKindMismatch
	}
	if p.Header.Sender.User == "" || p.Header.Recipient.User == "" {
		return fmt.Errorf("%v: missing address", p.Header.Kind)
	}
	return p.Payload.validate()
}

// Marshal encodes the header followed by the payload.
func (p *Packet) Marshal() ([]byte, error) {
	var bb bytes.Buffer
	_, err := xdr.Marshal(&bb, p.Header)
	if err != nil {
		return nil, fmt.Errorf("could not marshal header %v",
			p.Header.Kind)
	}
	_, err = xdr.Marshal(&bb, p.Payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal payload %v",
			p.Header.Kind)
	}
	return bb.Bytes(), nil
}

// Unmarshal decodes and validates a packet produced by Marshal.
func Unmarshal(data []byte) (*Packet, error) {
	br := bytes.NewReader(data)

	var p Packet
	_, err := xdr.Unmarshal(br, &p.Header)
	if err != nil {
		return nil, fmt.Errorf("unmarshal header failed")
	}

	switch p.Header.Kind {
	case KindBundleOffer:
		var b BundleOffer
		_, err = xdr.Unmarshal(br, &b)
		p.Payload = b
	case KindBundleRequest:
		var b BundleRequest
		_, err = xdr.Unmarshal(br, &b)
		p.Payload = b
	case KindHandshakeMessage:
		var h HandshakeMessage
		_, err = xdr.Unmarshal(br, &h)
		p.Payload = h
	case KindEstablishedMessage:
		var e EstablishedMessage
		_, err = xdr.Unmarshal(br, &e)
		p.Payload = e
	case KindAck:
		p.Payload = Ack{}
	case KindError:
		var e Error
		_, err = xdr.Unmarshal(br, &e)
		p.Payload = e
	default:
		return nil, ErrInvalidKind
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %v failed", p.Header.Kind)
	}
	if br.Len() != 0 {
		return nil, ErrTrailingData
	}

	err = p.Validate()
	if err != nil {
		return nil, err
	}
	return &p, nil
}
