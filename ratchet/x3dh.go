// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/companyzero/zkrelay/identity"
	"golang.org/x/crypto/hkdf"
)

var (
	infoX3DH = []byte("zkrelay x3dh")
)

// PreKeys is the public material of a peer device required to start a
// session with it.  The signed pre-key signature must have been verified by
// the caller.
type PreKeys struct {
	Identity         identity.Public
	SignedPreKeyID   uint32
	SignedPreKey     [32]byte
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
	OneTimePreKey    [32]byte
}

// x3dh derives the shared secret from the concatenated DH outputs.
func x3dh(dhs ...[]byte) ([]byte, error) {
	ikm := bytes.Repeat([]byte{0xff}, 32)
	for _, dh := range dhs {
		ikm = append(ikm, dh...)
	}
	r := hkdf.New(sha256.New, ikm, make([]byte, sha256.Size), infoX3DH)
	sk := make([]byte, 32)
	_, err := io.ReadFull(r, sk)
	zero(ikm)
	if err != nil {
		return nil, err
	}
	return sk, nil
}

func associatedData(initiator, responder identity.Public) []byte {
	return append(initiator.Bytes(), responder.Bytes()...)
}

// Initiate builds a session with the device that published remote.  The
// returned state can send immediately; every message carries the handshake
// until the responder replies.
func Initiate(local *identity.Full, remote PreKeys) (State, error) {
	basePriv, basePub, err := identity.NewKeyPair()
	if err != nil {
		return State{}, err
	}
	defer zero(basePriv[:])

	dh1, err := identity.DH(local.PrivateKey, remote.SignedPreKey)
	if err != nil {
		return State{}, err
	}
	dh2, err := identity.DH(basePriv, remote.Identity.Key)
	if err != nil {
		return State{}, err
	}
	dh3, err := identity.DH(basePriv, remote.SignedPreKey)
	if err != nil {
		return State{}, err
	}
	dhs := [][]byte{dh1, dh2, dh3}
	if remote.HasOneTimePreKey {
		dh4, err := identity.DH(basePriv, remote.OneTimePreKey)
		if err != nil {
			return State{}, err
		}
		dhs = append(dhs, dh4)
	}
	sk, err := x3dh(dhs...)
	if err != nil {
		return State{}, err
	}

	// first sending chain ratchets against the signed pre-key
	priv, pub, err := identity.NewKeyPair()
	if err != nil {
		return State{}, err
	}
	dh, err := identity.DH(priv, remote.SignedPreKey)
	if err != nil {
		return State{}, err
	}
	rk, ck := kdfRK(sk, dh)

	return State{
		Version:             Version,
		LocalIdentity:       local.Public,
		RemoteIdentity:      remote.Identity,
		LocalRegistrationID: local.RegistrationID,
		AssociatedData:      associatedData(local.Public, remote.Identity),
		RootKey:             rk,
		SendChainKey:        ck,
		SendRatchetPrivate:  priv,
		SendRatchetPublic:   pub,
		RecvRatchetPublic:   remote.SignedPreKey,
		BaseKey:             basePub,
		Pending: PendingHandshake{
			Present:          true,
			SignedPreKeyID:   remote.SignedPreKeyID,
			HasOneTimePreKey: remote.HasOneTimePreKey,
			OneTimePreKeyID:  remote.OneTimePreKeyID,
		},
	}, nil
}

// Respond builds the responder's side of the session announced by hs.
// signed and oneTime must be the private pre-keys hs names; oneTime is nil
// when hs does not name one.
func Respond(local *identity.Full, signed *identity.SignedPreKey,
	oneTime *identity.OneTimePreKey, hs *Handshake) (State, error) {

	if hs.Version != Version {
		return State{}, ErrVersion
	}
	if signed == nil || signed.ID != hs.SignedPreKeyID {
		return State{}, ErrPreKeyMismatch
	}
	if hs.HasOneTimePreKey != (oneTime != nil) ||
		(oneTime != nil && oneTime.ID != hs.OneTimePreKeyID) {
		return State{}, ErrPreKeyMismatch
	}

	dh1, err := identity.DH(signed.Private, hs.Identity.Key)
	if err != nil {
		return State{}, err
	}
	dh2, err := identity.DH(local.PrivateKey, hs.BaseKey)
	if err != nil {
		return State{}, err
	}
	dh3, err := identity.DH(signed.Private, hs.BaseKey)
	if err != nil {
		return State{}, err
	}
	dhs := [][]byte{dh1, dh2, dh3}
	if oneTime != nil {
		dh4, err := identity.DH(oneTime.Private, hs.BaseKey)
		if err != nil {
			return State{}, err
		}
		dhs = append(dhs, dh4)
	}
	sk, err := x3dh(dhs...)
	if err != nil {
		return State{}, err
	}

	// no chains yet, the first received message performs a DH ratchet step
	return State{
		Version:             Version,
		LocalIdentity:       local.Public,
		RemoteIdentity:      hs.Identity,
		LocalRegistrationID: local.RegistrationID,
		AssociatedData:      associatedData(hs.Identity, local.Public),
		RootKey:             sk,
		SendRatchetPrivate:  signed.Private,
		SendRatchetPublic:   signed.Public,
		BaseKey:             hs.BaseKey,
	}, nil
}
