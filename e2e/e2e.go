// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// e2e owns the session handshake and message encryption of a single device.
// It glues the ratchet primitive to a keystore.Store and guarantees that
// session state for one peer is only ever modified by one operation at a
// time.
package e2e

import (
	"errors"
	"fmt"
	"sync"

	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/keystore"
	"github.com/companyzero/zkrelay/ratchet"
	"github.com/companyzero/zkrelay/rpc"
)

var (
	ErrNoSession         = errors.New("no session")
	ErrNotEstablished    = errors.New("session not established")
	ErrInvalidSignature  = errors.New("invalid signed pre-key signature")
	ErrUntrustedIdentity = errors.New("untrusted identity")
	ErrInvalidBundle     = errors.New("invalid bundle")
	ErrNoSignedPreKey    = errors.New("no signed pre-key")
)

// HandshakeError is returned when a session could not be created.  No
// session was created or modified.
type HandshakeError struct {
	Peer rpc.Address
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %v: %v", e.Peer, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// DecryptionError is returned when an inbound message could not be
// decrypted.  Stored state is unchanged.
type DecryptionError struct {
	Peer rpc.Address
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt %v: %v", e.Peer, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// TrustPolicy decides what happens when a peer presents an identity that
// differs from the recorded one.
type TrustPolicy int

const (
	// TrustOnFirstUse records the new identity and proceeds.
	TrustOnFirstUse TrustPolicy = iota

	// TrustStrict refuses changed identities.
	TrustStrict
)

func (t TrustPolicy) String() string {
	switch t {
	case TrustOnFirstUse:
		return "tofu"
	case TrustStrict:
		return "strict"
	}
	return fmt.Sprintf("TrustPolicy(%d)", int(t))
}

// ParseTrustPolicy is the inverse of TrustPolicy.String.
func ParseTrustPolicy(s string) (TrustPolicy, error) {
	switch s {
	case "tofu":
		return TrustOnFirstUse, nil
	case "strict":
		return TrustStrict, nil
	}
	return 0, fmt.Errorf("invalid trust policy: %v", s)
}

type Option func(*Engine)

func WithTrustPolicy(policy TrustPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithIdentityChanged registers a callback that is called when a known peer
// presents a different identity and the policy lets it through.
func WithIdentityChanged(f func(peer rpc.Address, old, new identity.Public)) Option {
	return func(e *Engine) {
		e.identityChanged = f
	}
}

// WithPreKeyConsumed registers a callback that is called after a one-time
// pre-key was used by a handshake and removed from the store.
func WithPreKeyConsumed(f func(id uint32)) Option {
	return func(e *Engine) {
		e.preKeyConsumed = f
	}
}

type peerLock struct {
	sync.Mutex
	refs int
}

// Engine is safe for concurrent use.
type Engine struct {
	store keystore.Store

	policy          TrustPolicy
	identityChanged func(rpc.Address, identity.Public, identity.Public)
	preKeyConsumed  func(uint32)

	mtx   sync.Mutex
	peers map[rpc.Address]*peerLock

	// one-time pre-key lookup through removal, and provisioning
	preKeyMtx    sync.Mutex
	nextPreKeyID uint32
}

func New(store keystore.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		peers: make(map[rpc.Address]*peerLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() keystore.Store {
	return e.store
}

func (e *Engine) Policy() TrustPolicy {
	return e.policy
}

// lock serializes all operations on peer.  The returned function unlocks.
func (e *Engine) lock(peer rpc.Address) func() {
	e.mtx.Lock()
	l, found := e.peers[peer]
	if !found {
		l = new(peerLock)
		e.peers[peer] = l
	}
	l.refs++
	e.mtx.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		e.mtx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.peers, peer)
		}
		e.mtx.Unlock()
	}
}

// HasSession returns true if a session of a known version exists for peer.
func (e *Engine) HasSession(peer rpc.Address) bool {
	unlock := e.lock(peer)
	defer unlock()

	s, err := e.store.LoadSession(peer)
	return err == nil && s.Version != 0
}

// IsEstablished returns true if both sides of the session with peer hold the
// session.
func (e *Engine) IsEstablished(peer rpc.Address) bool {
	unlock := e.lock(peer)
	defer unlock()

	s, err := e.store.LoadSession(peer)
	return err == nil && ratchet.IsEstablished(&s)
}

// checkTrust applies the trust policy to key.  It returns the previously
// recorded identity if it differs from key.
func (e *Engine) checkTrust(peer rpc.Address, key identity.Public) (*identity.Public, error) {
	if e.store.IsTrusted(peer, key) {
		return nil, nil
	}
	if e.policy == TrustStrict {
		return nil, &HandshakeError{Peer: peer, Err: ErrUntrustedIdentity}
	}
	old, _ := e.store.TrustedIdentity(peer)
	return &old, nil
}

// saveIdentity records key as the identity of peer.  Must be called after
// checkTrust succeeded.
func (e *Engine) saveIdentity(peer rpc.Address, key identity.Public, old *identity.Public) error {
	_, err := e.store.SaveIdentity(peer, key)
	if err != nil {
		return err
	}
	if old != nil && e.identityChanged != nil {
		e.identityChanged(peer, *old, key)
	}
	return nil
}

// InitializeSession creates an outbound session with the device that
// published bundle.  Any prior session with peer is replaced.
func (e *Engine) InitializeSession(peer rpc.Address, bundle *rpc.BundleOffer) error {
	if bundle == nil || bundle.Identity.IsZero() || bundle.DeviceID == 0 ||
		bundle.SignedPreKey == [identity.KeySize]byte{} {
		return &HandshakeError{Peer: peer, Err: ErrInvalidBundle}
	}
	if peer.Device != bundle.DeviceID {
		return &HandshakeError{Peer: peer,
			Err: fmt.Errorf("%w: device %v", ErrInvalidBundle,
				bundle.DeviceID)}
	}
	if !bundle.Identity.VerifyMessage(bundle.SignedPreKey[:],
		bundle.SignedPreKeySignature) {
		return &HandshakeError{Peer: peer, Err: ErrInvalidSignature}
	}

	unlock := e.lock(peer)
	defer unlock()

	old, err := e.checkTrust(peer, bundle.Identity)
	if err != nil {
		return err
	}
	local, err := e.store.Identity()
	if err != nil {
		return err
	}
	state, err := ratchet.Initiate(local, ratchet.PreKeys{
		Identity:         bundle.Identity,
		SignedPreKeyID:   bundle.SignedPreKeyID,
		SignedPreKey:     bundle.SignedPreKey,
		HasOneTimePreKey: bundle.HasOneTimePreKey,
		OneTimePreKeyID:  bundle.OneTimePreKeyID,
		OneTimePreKey:    bundle.OneTimePreKey,
	})
	if err != nil {
		return &HandshakeError{Peer: peer, Err: err}
	}
	err = e.store.StoreSession(peer, state)
	if err != nil {
		return err
	}
	return e.saveIdentity(peer, bundle.Identity, old)
}

// EncryptMessage encrypts plaintext for an established session.
func (e *Engine) EncryptMessage(peer rpc.Address, plaintext []byte) ([]byte, error) {
	unlock := e.lock(peer)
	defer unlock()

	s, err := e.store.LoadSession(peer)
	if err != nil {
		return nil, err
	}
	if s.Version == 0 {
		return nil, ErrNoSession
	}
	if !ratchet.IsEstablished(&s) {
		return nil, ErrNotEstablished
	}
	ct, err := ratchet.Encrypt(&s, plaintext)
	if err != nil {
		return nil, err
	}
	err = e.store.StoreSession(peer, s)
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// EncryptHandshakeMessage encrypts plaintext for a session created by
// InitializeSession that the peer has not answered yet.  The ciphertext
// carries the material the peer needs to derive the session.
func (e *Engine) EncryptHandshakeMessage(peer rpc.Address, plaintext []byte) ([]byte, error) {
	unlock := e.lock(peer)
	defer unlock()

	s, err := e.store.LoadSession(peer)
	if err != nil {
		return nil, err
	}
	if s.Version == 0 {
		return nil, ErrNoSession
	}
	ct, err := ratchet.EncryptHandshake(&s, plaintext)
	if err != nil {
		return nil, err
	}
	err = e.store.StoreSession(peer, s)
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// DecryptHandshakeMessage decrypts a handshake message from peer, creating
// the inbound session if this is the first message of the handshake.  The
// one-time pre-key the handshake used is removed from the store.
func (e *Engine) DecryptHandshakeMessage(peer rpc.Address, ciphertext []byte) ([]byte, error) {
	hs, err := ratchet.ParseHandshake(ciphertext)
	if err != nil {
		return nil, &DecryptionError{Peer: peer, Err: err}
	}

	unlock := e.lock(peer)
	defer unlock()

	s, err := e.store.LoadSession(peer)
	if err != nil {
		return nil, err
	}
	if s.Version != 0 && s.BaseKey == hs.BaseKey &&
		s.RemoteIdentity == hs.Identity {
		// further message of a handshake we already answered
		pt, err := ratchet.DecryptHandshake(&s, hs)
		if err != nil {
			return nil, &DecryptionError{Peer: peer, Err: err}
		}
		err = e.store.StoreSession(peer, s)
		if err != nil {
			return nil, err
		}
		return pt, nil
	}

	old, err := e.checkTrust(peer, hs.Identity)
	if err != nil {
		return nil, err
	}
	local, err := e.store.Identity()
	if err != nil {
		return nil, err
	}
	signed, err := e.store.LoadSignedPreKey(hs.SignedPreKeyID)
	if err != nil {
		return nil, &DecryptionError{Peer: peer,
			Err: fmt.Errorf("signed pre-key %v: %w",
				hs.SignedPreKeyID, err)}
	}

	e.preKeyMtx.Lock()
	defer e.preKeyMtx.Unlock()

	var oneTime *identity.OneTimePreKey
	if hs.HasOneTimePreKey {
		oneTime, err = e.store.LoadOneTimePreKey(hs.OneTimePreKeyID)
		if err != nil {
			return nil, &DecryptionError{Peer: peer,
				Err: fmt.Errorf("one-time pre-key %v: %w",
					hs.OneTimePreKeyID, err)}
		}
	}

	ns, err := ratchet.Respond(local, signed, oneTime, hs)
	if err != nil {
		return nil, &DecryptionError{Peer: peer, Err: err}
	}
	pt, err := ratchet.DecryptHandshake(&ns, hs)
	if err != nil {
		return nil, &DecryptionError{Peer: peer, Err: err}
	}

	// a failed call leaves the previous session in place
	err = e.saveIdentity(peer, hs.Identity, old)
	if err != nil {
		return nil, err
	}
	err = e.store.StoreSession(peer, ns)
	if err != nil {
		return nil, err
	}
	if oneTime != nil {
		err = e.store.RemoveOneTimePreKey(oneTime.ID)
		if err != nil {
			return nil, e.restoreSession(peer, s, err)
		}
		if e.preKeyConsumed != nil {
			e.preKeyConsumed(oneTime.ID)
		}
	}
	return pt, nil
}

// restoreSession puts prior back for peer after a failed update and returns
// cause.
func (e *Engine) restoreSession(peer rpc.Address, prior ratchet.State, cause error) error {
	var err error
	if prior.Version == 0 {
		err = e.store.DeleteSession(peer)
	} else {
		err = e.store.StoreSession(peer, prior)
	}
	if err != nil {
		return fmt.Errorf("%w (restore session: %v)", cause, err)
	}
	return cause
}

// DecryptMessage decrypts an established message from peer.
func (e *Engine) DecryptMessage(peer rpc.Address, ciphertext []byte) ([]byte, error) {
	unlock := e.lock(peer)
	defer unlock()

	s, err := e.store.LoadSession(peer)
	if err != nil {
		return nil, err
	}
	if s.Version == 0 {
		return nil, &DecryptionError{Peer: peer, Err: ErrNoSession}
	}
	pt, err := ratchet.Decrypt(&s, ciphertext)
	if err != nil {
		return nil, &DecryptionError{Peer: peer, Err: err}
	}
	err = e.store.StoreSession(peer, s)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

func (e *Engine) DeleteSession(peer rpc.Address) error {
	unlock := e.lock(peer)
	defer unlock()

	return e.store.DeleteSession(peer)
}

// DeleteAllSessions deletes the sessions with every device of user.  Each
// device is deleted under its own lock; a session created for a new device
// while this runs survives.
func (e *Engine) DeleteAllSessions(user string) error {
	for _, id := range e.store.SessionDeviceIDs(user) {
		err := e.DeleteSession(rpc.Address{User: user, Device: id})
		if err != nil {
			return err
		}
	}
	return nil
}

// Bundle builds the bundle this device offers as deviceID.  It uses the
// newest signed pre-key and the lowest numbered one-time pre-key, if any is
// left.
func (e *Engine) Bundle(deviceID uint32) (*rpc.BundleOffer, error) {
	local, err := e.store.Identity()
	if err != nil {
		return nil, err
	}
	signedIDs := e.store.SignedPreKeyIDs()
	if len(signedIDs) == 0 {
		return nil, ErrNoSignedPreKey
	}
	signed, err := e.store.LoadSignedPreKey(signedIDs[len(signedIDs)-1])
	if err != nil {
		return nil, err
	}

	b := &rpc.BundleOffer{
		RegistrationID:        local.RegistrationID,
		DeviceID:              deviceID,
		SignedPreKeyID:        signed.ID,
		SignedPreKey:          signed.Public,
		SignedPreKeySignature: signed.Signature,
		Identity:              local.Public,
	}
	for _, id := range e.store.OneTimePreKeyIDs() {
		otk, err := e.store.LoadOneTimePreKey(id)
		if errors.Is(err, keystore.ErrNotFound) {
			// consumed concurrently
			continue
		} else if err != nil {
			return nil, err
		}
		b.HasOneTimePreKey = true
		b.OneTimePreKeyID = otk.ID
		b.OneTimePreKey = otk.Public
		break
	}
	return b, nil
}
