// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package e2e

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/keystore"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/davecgh/go-spew/spew"
)

var (
	aliceAddr = rpc.Address{User: "alice", Device: 1}
	bobAddr   = rpc.Address{User: "bob", Device: 2}
)

func newStore(t *testing.T, oneTime int) *keystore.MemoryStore {
	s := keystore.NewMemoryStore()
	fi, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	if err = s.SetIdentity(fi); err != nil {
		t.Fatal(err)
	}
	spk, err := fi.NewSignedPreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.StoreSignedPreKey(spk.ID, *spk); err != nil {
		t.Fatal(err)
	}
	otks, err := identity.NewOneTimePreKeys(1, oneTime)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range otks {
		if err = s.StoreOneTimePreKey(k.ID, k); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// handshake has alice initiate a session with bob and send msg.
func handshake(t *testing.T, alice, bob *Engine, msg string) {
	bundle, err := bob.Bundle(bobAddr.Device)
	if err != nil {
		t.Fatal(err)
	}
	if err = alice.InitializeSession(bobAddr, bundle); err != nil {
		t.Fatal(err)
	}
	if !alice.HasSession(bobAddr) {
		t.Fatalf("no session after initialize")
	}
	if alice.IsEstablished(bobAddr) {
		t.Fatalf("established before reply")
	}
	if _, err = alice.EncryptMessage(bobAddr, []byte("x")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
	ct, err := alice.EncryptHandshakeMessage(bobAddr, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bob.DecryptHandshakeMessage(aliceAddr, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != msg {
		t.Fatalf("got %q, want %q", pt, msg)
	}
}

func send(t *testing.T, from, to *Engine, fromAddr, toAddr rpc.Address, msg string) []byte {
	ct, err := from.EncryptMessage(toAddr, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := to.DecryptMessage(fromAddr, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != msg {
		t.Fatalf("got %q, want %q", pt, msg)
	}
	return ct
}

func TestSession(t *testing.T) {
	var consumed []uint32
	bobStore := newStore(t, 2)
	alice := New(newStore(t, 2))
	bob := New(bobStore, WithPreKeyConsumed(func(id uint32) {
		consumed = append(consumed, id)
	}))

	if alice.HasSession(bobAddr) {
		t.Fatalf("unexpected session")
	}
	if _, err := alice.EncryptMessage(bobAddr, []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	handshake(t, alice, bob, "hi")

	if len(consumed) != 1 || consumed[0] != 1 {
		t.Fatalf("unexpected consumed pre-keys %v", consumed)
	}
	if bobStore.ContainsOneTimePreKey(1) {
		t.Fatalf("one-time pre-key not removed")
	}
	if !bob.IsEstablished(aliceAddr) {
		t.Fatalf("responder not established")
	}

	send(t, bob, alice, bobAddr, aliceAddr, "reply")
	if !alice.IsEstablished(bobAddr) {
		t.Fatalf("initiator not established after reply")
	}
	c1 := send(t, alice, bob, aliceAddr, bobAddr, "same")
	c2 := send(t, alice, bob, aliceAddr, bobAddr, "same")
	if bytes.Equal(c1, c2) {
		t.Fatalf("identical ciphertexts")
	}

	// next bundle offers the next one-time pre-key
	b, err := bob.Bundle(bobAddr.Device)
	if err != nil {
		t.Fatal(err)
	}
	if !b.HasOneTimePreKey || b.OneTimePreKeyID != 2 {
		t.Fatalf("unexpected bundle %v", spew.Sdump(b))
	}
}

func TestHandshakeRepeated(t *testing.T) {
	alice := New(newStore(t, 1))
	bob := New(newStore(t, 1))

	handshake(t, alice, bob, "one")

	// still pending, the second message carries the same handshake
	ct, err := alice.EncryptHandshakeMessage(bobAddr, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bob.DecryptHandshakeMessage(aliceAddr, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "two" {
		t.Fatalf("got %q", pt)
	}
}

func TestOneTimePreKeyReplay(t *testing.T) {
	bobStore := newStore(t, 1)
	bob := New(bobStore)
	bundle, err := bob.Bundle(bobAddr.Device)
	if err != nil {
		t.Fatal(err)
	}

	alice := New(newStore(t, 0))
	if err = alice.InitializeSession(bobAddr, bundle); err != nil {
		t.Fatal(err)
	}
	ct, err := alice.EncryptHandshakeMessage(bobAddr, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = bob.DecryptHandshakeMessage(aliceAddr, ct); err != nil {
		t.Fatal(err)
	}

	// a second initiator reusing the same bundle
	chrisAddr := rpc.Address{User: "chris", Device: 1}
	chris := New(newStore(t, 0))
	if err = chris.InitializeSession(bobAddr, bundle); err != nil {
		t.Fatal(err)
	}
	ct, err = chris.EncryptHandshakeMessage(bobAddr, []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = bob.DecryptHandshakeMessage(chrisAddr, ct)
	var de *DecryptionError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if bob.HasSession(chrisAddr) {
		t.Fatalf("session created from replayed pre-key")
	}
}

func TestInvalidBundle(t *testing.T) {
	alice := New(newStore(t, 0))
	bob := New(newStore(t, 1))
	bundle, err := bob.Bundle(bobAddr.Device)
	if err != nil {
		t.Fatal(err)
	}

	forged := *bundle
	forged.SignedPreKeySignature[0] ^= 0xff
	err = alice.InitializeSession(bobAddr, &forged)
	var he *HandshakeError
	if !errors.As(err, &he) || !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	wrongDevice := *bundle
	wrongDevice.DeviceID = 7
	if err = alice.InitializeSession(bobAddr, &wrongDevice); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("expected ErrInvalidBundle, got %v", err)
	}

	empty := rpc.BundleOffer{DeviceID: bobAddr.Device}
	if err = alice.InitializeSession(bobAddr, &empty); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("expected ErrInvalidBundle, got %v", err)
	}
	if alice.HasSession(bobAddr) {
		t.Fatalf("session created from invalid bundle")
	}
}

func TestTrustPolicy(t *testing.T) {
	bob1 := New(newStore(t, 1))
	bob2 := New(newStore(t, 1)) // reinstalled device, new identity

	for _, policy := range []TrustPolicy{TrustOnFirstUse, TrustStrict} {
		changed := 0
		alice := New(newStore(t, 0), WithTrustPolicy(policy),
			WithIdentityChanged(func(rpc.Address, identity.Public,
				identity.Public) {
				changed++
			}))

		b1, err := bob1.Bundle(bobAddr.Device)
		if err != nil {
			t.Fatal(err)
		}
		if err = alice.InitializeSession(bobAddr, b1); err != nil {
			t.Fatal(err)
		}
		b2, err := bob2.Bundle(bobAddr.Device)
		if err != nil {
			t.Fatal(err)
		}
		err = alice.InitializeSession(bobAddr, b2)
		switch policy {
		case TrustOnFirstUse:
			if err != nil {
				t.Fatal(err)
			}
			if changed != 1 {
				t.Fatalf("identity change not reported")
			}
			key, _ := alice.Store().TrustedIdentity(bobAddr)
			if key != b2.Identity {
				t.Fatalf("new identity not recorded")
			}
		case TrustStrict:
			if !errors.Is(err, ErrUntrustedIdentity) {
				t.Fatalf("expected ErrUntrustedIdentity, got %v", err)
			}
			key, _ := alice.Store().TrustedIdentity(bobAddr)
			if key != b1.Identity {
				t.Fatalf("identity replaced under strict policy")
			}
		}
	}
}

func TestStrictInbound(t *testing.T) {
	bobStore := newStore(t, 2)
	bob := New(bobStore, WithTrustPolicy(TrustStrict))
	alice := New(newStore(t, 0))
	handshake(t, alice, bob, "hi")

	// alice reinstalls with a new identity
	mallory := New(newStore(t, 0))
	b, err := bob.Bundle(bobAddr.Device)
	if err != nil {
		t.Fatal(err)
	}
	if err = mallory.InitializeSession(bobAddr, b); err != nil {
		t.Fatal(err)
	}
	ct, err := mallory.EncryptHandshakeMessage(bobAddr, []byte("trust me"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = bob.DecryptHandshakeMessage(aliceAddr, ct)
	if !errors.Is(err, ErrUntrustedIdentity) {
		t.Fatalf("expected ErrUntrustedIdentity, got %v", err)
	}
	if !bobStore.ContainsOneTimePreKey(b.OneTimePreKeyID) {
		t.Fatalf("pre-key consumed by rejected handshake")
	}
}

func TestDecryptFailureKeepsState(t *testing.T) {
	alice := New(newStore(t, 1))
	bobStore := newStore(t, 1)
	bob := New(bobStore)
	handshake(t, alice, bob, "hi")
	send(t, bob, alice, bobAddr, aliceAddr, "reply")

	ct, err := alice.EncryptMessage(bobAddr, []byte("arrived!"))
	if err != nil {
		t.Fatal(err)
	}
	before, err := bobStore.LoadSession(aliceAddr)
	if err != nil {
		t.Fatal(err)
	}
	beforeBlob, err := before.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	// 8 byte plaintext, the tag ends the encoding
	bad := append([]byte{}, ct...)
	bad[len(bad)-1] ^= 0xff
	_, err = bob.DecryptMessage(aliceAddr, bad)
	var de *DecryptionError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}
	if _, err = bob.DecryptHandshakeMessage(aliceAddr, []byte("junk")); !errors.As(err, &de) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}

	after, err := bobStore.LoadSession(aliceAddr)
	if err != nil {
		t.Fatal(err)
	}
	afterBlob, err := after.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(beforeBlob, afterBlob) {
		t.Fatalf("failed decrypt modified stored session")
	}

	// the intact message still decrypts
	pt, err := bob.DecryptMessage(aliceAddr, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "arrived!" {
		t.Fatalf("got %q", pt)
	}

	unknown := rpc.Address{User: "nobody", Device: 1}
	if _, err = bob.DecryptMessage(unknown, ct); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestConcurrentEncrypt(t *testing.T) {
	alice := New(newStore(t, 1))
	bob := New(newStore(t, 1))
	handshake(t, alice, bob, "hi")
	send(t, bob, alice, bobAddr, aliceAddr, "reply")

	const n = 32
	cts := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cts[i], errs[i] = alice.EncryptMessage(bobAddr, []byte("msg"))
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if _, err := bob.DecryptMessage(aliceAddr, cts[i]); err != nil {
			t.Fatalf("message %v: %v", i, err)
		}
	}
}

func TestDeleteSessions(t *testing.T) {
	alice := New(newStore(t, 1))
	bob := New(newStore(t, 1))
	handshake(t, alice, bob, "hi")

	if err := alice.DeleteSession(bobAddr); err != nil {
		t.Fatal(err)
	}
	if alice.HasSession(bobAddr) {
		t.Fatalf("session not deleted")
	}
	if err := bob.DeleteAllSessions(aliceAddr.User); err != nil {
		t.Fatal(err)
	}
	if bob.HasSession(aliceAddr) {
		t.Fatalf("sessions not deleted")
	}
}

func TestBundleNoSignedPreKey(t *testing.T) {
	s := keystore.NewMemoryStore()
	e := New(s)
	if _, err := e.Bundle(1); !errors.Is(err, keystore.ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}
	fi, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	if err = s.SetIdentity(fi); err != nil {
		t.Fatal(err)
	}
	if _, err = e.Bundle(1); !errors.Is(err, ErrNoSignedPreKey) {
		t.Fatalf("expected ErrNoSignedPreKey, got %v", err)
	}
}

func TestParseTrustPolicy(t *testing.T) {
	for _, p := range []TrustPolicy{TrustOnFirstUse, TrustStrict} {
		got, err := ParseTrustPolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("round trip %v: %v %v", p, got, err)
		}
	}
	if _, err := ParseTrustPolicy("maybe"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProvision(t *testing.T) {
	s := keystore.NewMemoryStore()
	e := New(s)

	added, err := e.Provision(3)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatalf("nothing provisioned")
	}
	fi, err := s.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.SignedPreKeyIDs()) != 1 || len(s.OneTimePreKeyIDs()) != 3 {
		t.Fatalf("unexpected pre-keys %v %v", s.SignedPreKeyIDs(),
			s.OneTimePreKeyIDs())
	}

	added, err = e.Provision(3)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatalf("provisioned twice")
	}

	// consume the highest id and top up again
	if err = s.RemoveOneTimePreKey(3); err != nil {
		t.Fatal(err)
	}
	if _, err = e.Provision(3); err != nil {
		t.Fatal(err)
	}
	ids := s.OneTimePreKeyIDs()
	if len(ids) != 3 || ids[2] != 4 {
		t.Fatalf("unexpected one-time ids %v", ids)
	}
	again, err := s.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if *again != *fi {
		t.Fatalf("identity replaced")
	}
}

// failingStore fails the selected writes.
type failingStore struct {
	*keystore.MemoryStore
	failRemove bool
	failSave   bool
}

var errDisk = errors.New("disk full")

func (f *failingStore) RemoveOneTimePreKey(id uint32) error {
	if f.failRemove {
		return errDisk
	}
	return f.MemoryStore.RemoveOneTimePreKey(id)
}

func (f *failingStore) SaveIdentity(peer rpc.Address, key identity.Public) (bool, error) {
	if f.failSave {
		return false, errDisk
	}
	return f.MemoryStore.SaveIdentity(peer, key)
}

func TestHandshakeStoreFailure(t *testing.T) {
	for _, tc := range []struct {
		name       string
		failRemove bool
		failSave   bool
	}{
		{"remove", true, false},
		{"identity", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bobStore := &failingStore{MemoryStore: newStore(t, 1),
				failRemove: tc.failRemove, failSave: tc.failSave}
			alice := New(newStore(t, 1))
			bob := New(bobStore)

			bundle, err := bob.Bundle(bobAddr.Device)
			if err != nil {
				t.Fatal(err)
			}
			if err = alice.InitializeSession(bobAddr, bundle); err != nil {
				t.Fatal(err)
			}
			ct, err := alice.EncryptHandshakeMessage(bobAddr, []byte("hi"))
			if err != nil {
				t.Fatal(err)
			}

			_, err = bob.DecryptHandshakeMessage(aliceAddr, ct)
			if !errors.Is(err, errDisk) {
				t.Fatalf("expected errDisk, got %v", err)
			}
			if bob.HasSession(aliceAddr) {
				t.Fatalf("session left behind")
			}
			if !bobStore.ContainsOneTimePreKey(bundle.OneTimePreKeyID) {
				t.Fatalf("one-time pre-key lost")
			}

			// the same message goes through once the store recovers
			bobStore.failRemove = false
			bobStore.failSave = false
			pt, err := bob.DecryptHandshakeMessage(aliceAddr, ct)
			if err != nil {
				t.Fatal(err)
			}
			if string(pt) != "hi" || !bob.IsEstablished(aliceAddr) {
				t.Fatalf("unexpected result %q", pt)
			}
		})
	}
}

func TestDeleteAllSessionsConcurrent(t *testing.T) {
	alice := New(newStore(t, 1))
	bob := New(newStore(t, 1))
	handshake(t, alice, bob, "hi")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			bob.EncryptMessage(aliceAddr, []byte("busy"))
		}
	}()

	if err := bob.DeleteAllSessions(aliceAddr.User); err != nil {
		t.Fatal(err)
	}
	if bob.HasSession(aliceAddr) {
		t.Fatalf("deleted session came back")
	}
	close(stop)
	wg.Wait()
	if bob.HasSession(aliceAddr) {
		t.Fatalf("deleted session came back")
	}
}
