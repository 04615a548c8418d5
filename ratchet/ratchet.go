// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// ratchet implements the session primitive: an X3DH pre-key handshake that
// seeds a Double Ratchet.  All state lives in State so that callers decide
// where and when it is persisted.  Decrypt never modifies the state it was
// handed unless the message authenticated.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/companyzero/zkrelay/identity"
	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// Version is the session protocol version.  An empty State has version
	// 0.
	Version = 3

	maxSkip      = 1000 // per chain
	maxSavedKeys = 2000
)

var (
	ErrDecrypt         = errors.New("decrypt failure")
	ErrMalformed       = errors.New("malformed message")
	ErrVersion         = errors.New("unsupported session version")
	ErrNoHandshake     = errors.New("session has no pending handshake")
	ErrNoSendingChain  = errors.New("session can not send yet")
	ErrTooManySkipped  = errors.New("too many skipped messages")
	ErrPreKeyMismatch  = errors.New("pre-keys do not match handshake")
	ErrBaseKeyMismatch = errors.New("handshake belongs to another session")

	infoRoot    = []byte("zkrelay ratchet root")
	infoMessage = []byte("zkrelay message keys")
)

// Header is sent in the clear and authenticated with every message.
type Header struct {
	RatchetKey [32]byte
	PrevCount  uint32
	Count      uint32
}

// Message is a single ratchet message.
type Message struct {
	Version    uint32
	Header     Header
	Ciphertext []byte
}

// Handshake wraps a message with the X3DH material that lets the responder
// derive the session.
type Handshake struct {
	Version          uint32
	RegistrationID   uint32
	Identity         identity.Public
	BaseKey          [32]byte
	SignedPreKeyID   uint32
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
	Message          Message
}

// IsEstablished returns true once both sides hold the session.
func IsEstablished(s *State) bool {
	return s.Version != 0 && !s.Pending.Present && len(s.SendChainKey) != 0
}

// Encrypt encrypts plaintext as an established message.
func Encrypt(s *State, plaintext []byte) ([]byte, error) {
	m, err := s.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return marshal(m)
}

// EncryptHandshake encrypts plaintext and wraps it in the pending handshake.
func EncryptHandshake(s *State, plaintext []byte) ([]byte, error) {
	if !s.Pending.Present {
		return nil, ErrNoHandshake
	}
	m, err := s.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return marshal(Handshake{
		Version:          s.Version,
		RegistrationID:   s.LocalRegistrationID,
		Identity:         s.LocalIdentity,
		BaseKey:          s.BaseKey,
		SignedPreKeyID:   s.Pending.SignedPreKeyID,
		HasOneTimePreKey: s.Pending.HasOneTimePreKey,
		OneTimePreKeyID:  s.Pending.OneTimePreKeyID,
		Message:          *m,
	})
}

// ParseHandshake decodes a handshake produced by EncryptHandshake.
func ParseHandshake(data []byte) (*Handshake, error) {
	var hs Handshake
	err := unmarshal(data, &hs)
	if err != nil {
		return nil, err
	}
	if hs.Version != Version || hs.Message.Version != Version {
		return nil, ErrVersion
	}
	return &hs, nil
}

// Decrypt decrypts an established message.
func Decrypt(s *State, ciphertext []byte) ([]byte, error) {
	var m Message
	err := unmarshal(ciphertext, &m)
	if err != nil {
		return nil, err
	}
	return s.decrypt(&m)
}

// DecryptHandshake decrypts the message carried by hs with a state that was
// built for hs, either by Respond or by an earlier handshake message.
func DecryptHandshake(s *State, hs *Handshake) ([]byte, error) {
	if s.BaseKey != hs.BaseKey {
		return nil, ErrBaseKeyMismatch
	}
	return s.decrypt(&hs.Message)
}

func (s *State) encrypt(plaintext []byte) (*Message, error) {
	if s.Version == 0 || len(s.SendChainKey) == 0 {
		return nil, ErrNoSendingChain
	}

	ck, mk := kdfCK(s.SendChainKey)
	h := Header{
		RatchetKey: s.SendRatchetPublic,
		PrevCount:  s.PrevSendCount,
		Count:      s.SendCount,
	}
	ct, err := seal(mk, s.AssociatedData, h, plaintext)
	zero(mk)
	if err != nil {
		return nil, err
	}
	s.SendChainKey = ck
	s.SendCount++

	return &Message{
		Version:    s.Version,
		Header:     h,
		Ciphertext: ct,
	}, nil
}

// decrypt works on a copy of s and only commits it once the message
// authenticated.
func (s *State) decrypt(m *Message) ([]byte, error) {
	if s.Version == 0 || m.Version != s.Version {
		return nil, ErrVersion
	}

	c := s.Clone()
	pt, found, err := c.trySavedKeys(m)
	if err != nil {
		return nil, err
	}
	if !found {
		h := m.Header
		if h.RatchetKey != c.RecvRatchetPublic || len(c.RecvChainKey) == 0 {
			err = c.skip(h.PrevCount)
			if err != nil {
				return nil, err
			}
			err = c.dhRatchet(h)
			if err != nil {
				return nil, err
			}
		}
		err = c.skip(h.Count)
		if err != nil {
			return nil, err
		}

		ck, mk := kdfCK(c.RecvChainKey)
		pt, err = open(mk, c.AssociatedData, h, m.Ciphertext)
		zero(mk)
		if err != nil {
			return nil, ErrDecrypt
		}
		c.RecvChainKey = ck
		c.RecvCount++
	}

	// the peer has the session, stop repeating the handshake
	c.Pending = PendingHandshake{}
	*s = c

	return pt, nil
}

func (s *State) trySavedKeys(m *Message) ([]byte, bool, error) {
	for k, v := range s.SavedKeys {
		if v.RatchetKey != m.Header.RatchetKey || v.Num != m.Header.Count {
			continue
		}
		pt, err := open(v.Key, s.AssociatedData, m.Header, m.Ciphertext)
		if err != nil {
			return nil, false, ErrDecrypt
		}
		s.SavedKeys = append(s.SavedKeys[:k], s.SavedKeys[k+1:]...)
		return pt, true, nil
	}
	return nil, false, nil
}

// skip stores the message keys of the receiving chain up to until.
func (s *State) skip(until uint32) error {
	if len(s.RecvChainKey) == 0 || until <= s.RecvCount {
		return nil
	}
	if until-s.RecvCount > maxSkip {
		return ErrTooManySkipped
	}
	for s.RecvCount < until {
		ck, mk := kdfCK(s.RecvChainKey)
		s.SavedKeys = append(s.SavedKeys, SavedKey{
			RatchetKey: s.RecvRatchetPublic,
			Num:        s.RecvCount,
			Key:        mk,
		})
		s.RecvChainKey = ck
		s.RecvCount++
	}
	if len(s.SavedKeys) > maxSavedKeys {
		s.SavedKeys = s.SavedKeys[len(s.SavedKeys)-maxSavedKeys:]
	}
	return nil
}

func (s *State) dhRatchet(h Header) error {
	s.PrevSendCount = s.SendCount
	s.SendCount = 0
	s.RecvCount = 0
	s.RecvRatchetPublic = h.RatchetKey

	dh, err := identity.DH(s.SendRatchetPrivate, s.RecvRatchetPublic)
	if err != nil {
		return ErrDecrypt
	}
	s.RootKey, s.RecvChainKey = kdfRK(s.RootKey, dh)

	priv, pub, err := identity.NewKeyPair()
	if err != nil {
		return err
	}
	dh, err = identity.DH(priv, s.RecvRatchetPublic)
	if err != nil {
		return ErrDecrypt
	}
	s.SendRatchetPrivate = priv
	s.SendRatchetPublic = pub
	s.RootKey, s.SendChainKey = kdfRK(s.RootKey, dh)
	return nil
}

func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, infoRoot)
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	io.ReadFull(r, newRK)
	io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	m := hmac.New(sha256.New, ck)
	m.Write([]byte{0x01})
	mk = m.Sum(nil)
	m = hmac.New(sha256.New, ck)
	m.Write([]byte{0x02})
	nextCK = m.Sum(nil)
	return
}

// messageKeys expands a message key into an AEAD key and nonce.
func messageKeys(mk []byte) (key, nonce []byte) {
	r := hkdf.New(sha256.New, mk, nil, infoMessage)
	okm := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	io.ReadFull(r, okm)
	return okm[:chacha20poly1305.KeySize], okm[chacha20poly1305.KeySize:]
}

func headerBytes(ad []byte, h Header) []byte {
	b := make([]byte, 0, len(ad)+len(h.RatchetKey)+8)
	b = append(b, ad...)
	b = append(b, h.RatchetKey[:]...)
	b = binary.BigEndian.AppendUint32(b, h.PrevCount)
	return binary.BigEndian.AppendUint32(b, h.Count)
}

func seal(mk, ad []byte, h Header, plaintext []byte) ([]byte, error) {
	key, nonce := messageKeys(mk)
	defer zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, headerBytes(ad, h)), nil
}

func open(mk, ad []byte, h Header, ciphertext []byte) ([]byte, error) {
	key, nonce := messageKeys(mk)
	defer zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, headerBytes(ad, h))
}

func marshal(v interface{}) ([]byte, error) {
	var bb bytes.Buffer
	_, err := xdr.Marshal(&bb, v)
	if err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func unmarshal(data []byte, v interface{}) error {
	br := bytes.NewReader(data)
	_, err := xdr.Unmarshal(br, v)
	if err != nil || br.Len() != 0 {
		return ErrMalformed
	}
	return nil
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
