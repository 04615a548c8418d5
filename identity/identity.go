// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// identity package manages device identities and the pre-key material a device
// publishes so that peers can start sessions with it while it is offline.
//
// A device identity consists of an ed25519 signature key, used to sign the
// medium term signed pre-key, and a curve25519 key that takes part in the
// X3DH key agreement.
package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/agl/ed25519"
	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/curve25519"
)

var (
	prng = rand.Reader

	ErrVerify = errors.New("verify error")
)

const (
	KeySize = 32

	// registration ids are kept within the 14 bit range that other
	// implementations of this handshake expect.
	maxRegistrationID = 16380
)

// Public is the long lived public identity of a device.
type Public struct {
	SigKey [ed25519.PublicKeySize]byte // signs the signed pre-key
	Key    [KeySize]byte               // curve25519 identity key
}

// Full is a device identity including its private halves.
type Full struct {
	Public         Public
	PrivateSigKey  [ed25519.PrivateKeySize]byte
	PrivateKey     [KeySize]byte
	RegistrationID uint32
}

// OneTimePreKey is a curve25519 key pair that is offered to at most one
// initiator.
type OneTimePreKey struct {
	ID      uint32
	Public  [KeySize]byte
	Private [KeySize]byte
}

// SignedPreKey is a medium term curve25519 key pair whose public half is signed
// by the identity signature key.
type SignedPreKey struct {
	ID        uint32
	Public    [KeySize]byte
	Private   [KeySize]byte
	Timestamp int64
	Signature [ed25519.SignatureSize]byte
}

// New creates a new device identity with a random registration id.
func New() (*Full, error) {
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	priv, pub, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	rid, err := randomUint32()
	if err != nil {
		return nil, err
	}

	fi := new(Full)
	copy(fi.Public.SigKey[:], ed25519Pub[:])
	copy(fi.PrivateSigKey[:], ed25519Priv[:])
	fi.Public.Key = pub
	fi.PrivateKey = priv
	fi.RegistrationID = rid%maxRegistrationID + 1

	zero(ed25519Priv[:])
	zero(priv[:])

	return fi, nil
}

// NewKeyPair returns a fresh curve25519 private and public key.
func NewKeyPair() (priv, pub [KeySize]byte, err error) {
	_, err = io.ReadFull(prng, priv[:])
	if err != nil {
		return
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}

// DH performs a curve25519 Diffie-Hellman exchange.
func DH(priv, pub [KeySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// NewOneTimePreKeys returns count one-time pre-keys numbered from start.
func NewOneTimePreKeys(start uint32, count int) ([]OneTimePreKey, error) {
	keys := make([]OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := NewKeyPair()
		if err != nil {
			return nil, err
		}
		keys = append(keys, OneTimePreKey{
			ID:      start + uint32(i),
			Public:  pub,
			Private: priv,
		})
	}
	return keys, nil
}

// NewSignedPreKey creates a signed pre-key with the provided id.
func (fi *Full) NewSignedPreKey(id uint32) (*SignedPreKey, error) {
	priv, pub, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	spk := SignedPreKey{
		ID:        id,
		Public:    pub,
		Private:   priv,
		Timestamp: time.Now().Unix(),
		Signature: fi.SignMessage(pub[:]),
	}
	if !fi.Public.VerifyMessage(pub[:], spk.Signature) {
		return nil, fmt.Errorf("could not verify signed pre-key")
	}
	return &spk, nil
}

func (fi *Full) SignMessage(message []byte) [ed25519.SignatureSize]byte {
	signature := ed25519.Sign(&fi.PrivateSigKey, message)
	return *signature
}

func (fi *Full) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, fi)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func UnmarshalFull(data []byte) (*Full, error) {
	br := bytes.NewReader(data)
	fi := Full{}
	_, err := xdr.Unmarshal(br, &fi)
	if err != nil {
		return nil, err
	}

	return &fi, nil
}

func (p Public) VerifyMessage(msg []byte, sig [ed25519.SignatureSize]byte) bool {
	return ed25519.Verify(&p.SigKey, msg, &sig)
}

// Bytes returns the concatenation of the signature and identity keys.
func (p Public) Bytes() []byte {
	b := make([]byte, 0, len(p.SigKey)+len(p.Key))
	b = append(b, p.SigKey[:]...)
	return append(b, p.Key[:]...)
}

// IsZero reports whether p was never set.
func (p Public) IsZero() bool {
	return p == Public{}
}

// Fingerprint is a short, human comparable digest of both identity keys.
func (p Public) Fingerprint() string {
	d := sha256.Sum256(p.Bytes())
	return base64.StdEncoding.EncodeToString(d[:])
}

func (p Public) String() string {
	return p.Fingerprint()
}

func randomUint32() (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(prng, b[:])
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
