// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"

	"github.com/companyzero/zkrelay/identity"
	"github.com/davecgh/go-xdr/xdr2"
)

// PendingHandshake is the X3DH material an initiator repeats in every message
// until the responder has replied.
type PendingHandshake struct {
	Present          bool
	SignedPreKeyID   uint32
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
}

// SavedKey is a message key of a message that was skipped over.
type SavedKey struct {
	RatchetKey [32]byte
	Num        uint32
	Key        []byte
}

// State is the complete, XDR encodable, state of a session.  The zero State
// is an empty session.
type State struct {
	Version             uint32
	LocalIdentity       identity.Public
	RemoteIdentity      identity.Public
	LocalRegistrationID uint32
	AssociatedData      []byte

	RootKey            []byte
	SendChainKey       []byte
	RecvChainKey       []byte
	SendRatchetPrivate [32]byte
	SendRatchetPublic  [32]byte
	RecvRatchetPublic  [32]byte
	SendCount          uint32
	RecvCount          uint32
	PrevSendCount      uint32

	BaseKey   [32]byte // initiator's ephemeral key, names the handshake
	Pending   PendingHandshake
	SavedKeys []SavedKey
}

// Marshal encodes the state for storage.
func (s *State) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, s)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func UnmarshalState(data []byte) (*State, error) {
	br := bytes.NewReader(data)
	s := State{}
	_, err := xdr.Unmarshal(br, &s)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// Clone returns a deep copy of s.
func (s *State) Clone() State {
	c := *s
	c.AssociatedData = clone(s.AssociatedData)
	c.RootKey = clone(s.RootKey)
	c.SendChainKey = clone(s.SendChainKey)
	c.RecvChainKey = clone(s.RecvChainKey)
	if s.SavedKeys != nil {
		c.SavedKeys = make([]SavedKey, len(s.SavedKeys))
		for k, v := range s.SavedKeys {
			c.SavedKeys[k] = v
			c.SavedKeys[k].Key = clone(v.Key)
		}
	}
	return c
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
