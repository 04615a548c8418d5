// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrPassphrase = errors.New("invalid passphrase")
	ErrSealed     = errors.New("store is sealed, passphrase required")

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// sealer encrypts records at rest with a passphrase derived key.  A nil
// sealer passes records through.
type sealer struct {
	key [32]byte
}

func deriveKey(passphrase string, salt *[32]byte) (*sealer, error) {
	dk, err := scrypt.Key([]byte(passphrase), salt[:], scryptN, scryptR,
		scryptP, 32)
	if err != nil {
		return nil, err
	}
	s := new(sealer)
	copy(s.key[:], dk)
	zero(dk)
	return s, nil
}

func newSalt() (*[32]byte, error) {
	var salt [32]byte
	_, err := io.ReadFull(rand.Reader, salt[:])
	if err != nil {
		return nil, err
	}
	return &salt, nil
}

// seal returns nonce || secretbox(data).
func (s *sealer) seal(data []byte) ([]byte, error) {
	if s == nil {
		return data, nil
	}
	var nonce [24]byte
	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], data, &nonce, &s.key), nil
}

func (s *sealer) open(packed []byte) ([]byte, error) {
	if s == nil {
		return packed, nil
	}
	if len(packed) < 24+secretbox.Overhead {
		return nil, ErrPassphrase
	}
	var nonce [24]byte
	copy(nonce[:], packed[:24])
	data, ok := secretbox.Open(nil, packed[24:], &nonce, &s.key)
	if !ok {
		return nil, ErrPassphrase
	}
	return data, nil
}

func zero(b []byte) {
	for i := 0; i < len(b); i++ {
		b[i] = 0
	}
}
