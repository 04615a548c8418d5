// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"sort"
	"sync"

	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/ratchet"
	"github.com/companyzero/zkrelay/rpc"
)

// MemoryStore keeps everything in maps.  It is also the cache behind
// FileStore.
type MemoryStore struct {
	sync.RWMutex

	identity *identity.Full
	oneTime  map[uint32]identity.OneTimePreKey
	signed   map[uint32]identity.SignedPreKey
	sessions map[rpc.Address]ratchet.State
	trusted  map[rpc.Address]identity.Public
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		oneTime:  make(map[uint32]identity.OneTimePreKey),
		signed:   make(map[uint32]identity.SignedPreKey),
		sessions: make(map[rpc.Address]ratchet.State),
		trusted:  make(map[rpc.Address]identity.Public),
	}
}

func (m *MemoryStore) Identity() (*identity.Full, error) {
	m.RLock()
	defer m.RUnlock()

	if m.identity == nil {
		return nil, ErrUninitialized
	}
	fi := *m.identity
	return &fi, nil
}

func (m *MemoryStore) SetIdentity(fi *identity.Full) error {
	m.Lock()
	defer m.Unlock()

	c := *fi
	m.identity = &c
	return nil
}

func (m *MemoryStore) StoreOneTimePreKey(id uint32, key identity.OneTimePreKey) error {
	m.Lock()
	defer m.Unlock()

	key.ID = id
	m.oneTime[id] = key
	return nil
}

func (m *MemoryStore) LoadOneTimePreKey(id uint32) (*identity.OneTimePreKey, error) {
	m.RLock()
	defer m.RUnlock()

	key, found := m.oneTime[id]
	if !found {
		return nil, ErrNotFound
	}
	return &key, nil
}

func (m *MemoryStore) ContainsOneTimePreKey(id uint32) bool {
	m.RLock()
	defer m.RUnlock()

	_, found := m.oneTime[id]
	return found
}

func (m *MemoryStore) RemoveOneTimePreKey(id uint32) error {
	m.Lock()
	defer m.Unlock()

	delete(m.oneTime, id)
	return nil
}

func (m *MemoryStore) OneTimePreKeyIDs() []uint32 {
	m.RLock()
	defer m.RUnlock()

	return sortedIDs(m.oneTime)
}

func (m *MemoryStore) StoreSignedPreKey(id uint32, key identity.SignedPreKey) error {
	m.Lock()
	defer m.Unlock()

	key.ID = id
	m.signed[id] = key
	return nil
}

func (m *MemoryStore) LoadSignedPreKey(id uint32) (*identity.SignedPreKey, error) {
	m.RLock()
	defer m.RUnlock()

	key, found := m.signed[id]
	if !found {
		return nil, ErrNotFound
	}
	return &key, nil
}

func (m *MemoryStore) ContainsSignedPreKey(id uint32) bool {
	m.RLock()
	defer m.RUnlock()

	_, found := m.signed[id]
	return found
}

func (m *MemoryStore) RemoveSignedPreKey(id uint32) error {
	m.Lock()
	defer m.Unlock()

	delete(m.signed, id)
	return nil
}

func (m *MemoryStore) SignedPreKeyIDs() []uint32 {
	m.RLock()
	defer m.RUnlock()

	return sortedIDs(m.signed)
}

func (m *MemoryStore) LoadSession(peer rpc.Address) (ratchet.State, error) {
	m.RLock()
	defer m.RUnlock()

	s, found := m.sessions[peer]
	if !found {
		return ratchet.State{}, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) StoreSession(peer rpc.Address, state ratchet.State) error {
	m.Lock()
	defer m.Unlock()

	m.sessions[peer] = state.Clone()
	return nil
}

func (m *MemoryStore) DeleteSession(peer rpc.Address) error {
	m.Lock()
	defer m.Unlock()

	delete(m.sessions, peer)
	return nil
}

func (m *MemoryStore) DeleteAllSessions(user string) error {
	m.Lock()
	defer m.Unlock()

	for peer := range m.sessions {
		if peer.User == user {
			delete(m.sessions, peer)
		}
	}
	return nil
}

func (m *MemoryStore) SessionDeviceIDs(user string) []uint32 {
	m.RLock()
	defer m.RUnlock()

	ids := make([]uint32, 0)
	for peer := range m.sessions {
		if peer.User == user {
			ids = append(ids, peer.Device)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MemoryStore) IsTrusted(peer rpc.Address, key identity.Public) bool {
	m.RLock()
	defer m.RUnlock()

	known, found := m.trusted[peer]
	return !found || known == key
}

func (m *MemoryStore) SaveIdentity(peer rpc.Address, key identity.Public) (bool, error) {
	m.Lock()
	defer m.Unlock()

	known, found := m.trusted[peer]
	if found && known == key {
		return false, nil
	}
	m.trusted[peer] = key
	return true, nil
}

func (m *MemoryStore) TrustedIdentity(peer rpc.Address) (identity.Public, bool) {
	m.RLock()
	defer m.RUnlock()

	key, found := m.trusted[peer]
	return key, found
}

func sortedIDs[V any](m map[uint32]V) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
