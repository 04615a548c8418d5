// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keystore persists the key material and session state of a single device.
// Two implementations share the Store contract: MemoryStore and FileStore.
package keystore

import (
	"errors"

	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/ratchet"
	"github.com/companyzero/zkrelay/rpc"
)

var (
	ErrUninitialized = errors.New("identity not initialized")
	ErrNotFound      = errors.New("not found")
)

// Error is a persistence failure.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "keystore " + e.Op + ": " + e.Err.Error()
	}
	return "keystore " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is the key and session store of a device.  Implementations are safe
// for concurrent use; serializing load-modify-store sequences on the same
// peer is the caller's responsibility.
type Store interface {
	// Identity returns ErrUninitialized until SetIdentity was called.
	Identity() (*identity.Full, error)
	SetIdentity(*identity.Full) error

	StoreOneTimePreKey(id uint32, key identity.OneTimePreKey) error
	LoadOneTimePreKey(id uint32) (*identity.OneTimePreKey, error)
	ContainsOneTimePreKey(id uint32) bool
	RemoveOneTimePreKey(id uint32) error
	OneTimePreKeyIDs() []uint32

	StoreSignedPreKey(id uint32, key identity.SignedPreKey) error
	LoadSignedPreKey(id uint32) (*identity.SignedPreKey, error)
	ContainsSignedPreKey(id uint32) bool
	RemoveSignedPreKey(id uint32) error
	SignedPreKeyIDs() []uint32

	// LoadSession returns an empty state when there is no session.
	LoadSession(peer rpc.Address) (ratchet.State, error)
	StoreSession(peer rpc.Address, state ratchet.State) error
	DeleteSession(peer rpc.Address) error
	DeleteAllSessions(user string) error
	// SessionDeviceIDs returns the sorted devices of user a session is
	// stored for.
	SessionDeviceIDs(user string) []uint32

	// IsTrusted returns true if there is no record for peer yet or if the
	// record matches key.
	IsTrusted(peer rpc.Address, key identity.Public) bool
	// SaveIdentity records key for peer and reports whether the record
	// changed.
	SaveIdentity(peer rpc.Address, key identity.Public) (bool, error)
	TrustedIdentity(peer rpc.Address) (identity.Public, bool)
}
