// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

func TestNew(t *testing.T) {
	alice, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if alice.RegistrationID == 0 || alice.RegistrationID > maxRegistrationID {
		t.Fatalf("invalid registration id %v", alice.RegistrationID)
	}
	if alice.Public.IsZero() {
		t.Fatalf("zero public identity")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	alice, err := New()
	if err != nil {
		t.Fatal(err)
	}
	am, err := alice.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	a, err := UnmarshalFull(am)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(a, alice) {
		d := difflib.UnifiedDiff{
			A:        difflib.SplitLines(spew.Sdump(a)),
			B:        difflib.SplitLines(spew.Sdump(alice)),
			FromFile: "original",
			ToFile:   "current",
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(d)
		if err != nil {
			panic(err)
		}
		t.Fatalf("marshal/unmarshal failed %v", text)
	}
}

func TestSign(t *testing.T) {
	alice, err := New()
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("this is a message")
	signature := alice.SignMessage(message)
	if !alice.Public.VerifyMessage(message, signature) {
		t.Fatalf("corrupt signature")
	}
	message[0] ^= 0xff
	if alice.Public.VerifyMessage(message, signature) {
		t.Fatalf("signature verified altered message")
	}
}

func TestSignedPreKey(t *testing.T) {
	alice, err := New()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := New()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := alice.NewSignedPreKey(7)
	if err != nil {
		t.Fatal(err)
	}
	if spk.ID != 7 {
		t.Fatalf("invalid id %v", spk.ID)
	}
	if !alice.Public.VerifyMessage(spk.Public[:], spk.Signature) {
		t.Fatalf("signed pre-key does not verify")
	}
	if bob.Public.VerifyMessage(spk.Public[:], spk.Signature) {
		t.Fatalf("signed pre-key verified under the wrong identity")
	}
}

func TestKeyAgreement(t *testing.T) {
	aPriv, aPub, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	s1, err := DH(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := DH(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatalf("shared secrets differ: %x %x", s1, s2)
	}
}

func TestOneTimePreKeys(t *testing.T) {
	keys, err := NewOneTimePreKeys(100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 5 {
		t.Fatalf("got %v keys", len(keys))
	}
	seen := make(map[[KeySize]byte]struct{})
	for i, k := range keys {
		if k.ID != 100+uint32(i) {
			t.Fatalf("invalid id %v at %v", k.ID, i)
		}
		if _, ok := seen[k.Public]; ok {
			t.Fatalf("duplicate key %v", spew.Sdump(k))
		}
		seen[k.Public] = struct{}{}
	}
}
