// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package correlate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/zkrelay/rpc"
	"github.com/davecgh/go-spew/spew"
)

var key = Key{User: "bob", Kind: rpc.KindBundleRequest}

func response(t *testing.T) *rpc.Packet {
	p, err := rpc.NewPacket(rpc.ServerAddress, rpc.Address{User: "alice"},
		rpc.Ack{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolveOnce(t *testing.T) {
	p := New()
	sent := 0
	r := p.Begin(key, func() error {
		sent++
		return nil
	})
	if sent != 1 {
		t.Fatalf("send called %v times", sent)
	}
	if p.Len() != 1 {
		t.Fatalf("expected one slot, got %v", p.Len())
	}

	want := response(t)
	if !p.Resolve(key, want) {
		t.Fatalf("resolve failed")
	}
	if p.Resolve(key, want) {
		t.Fatalf("resolved twice")
	}
	if p.Len() != 0 {
		t.Fatalf("slot left behind")
	}

	got, err := r.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("unexpected packet %v", spew.Sdump(got))
	}
}

func TestResolveUnknown(t *testing.T) {
	p := New()
	if p.Resolve(key, response(t)) {
		t.Fatalf("resolved a key that was never requested")
	}
	if p.Fail(key, errors.New("moo")) {
		t.Fatalf("failed a key that was never requested")
	}
}

func TestBeginReuses(t *testing.T) {
	p := New()
	sent := 0
	send := func() error {
		sent++
		return nil
	}
	r1 := p.Begin(key, send)
	r2 := p.Begin(key, send)
	if r1 != r2 {
		t.Fatalf("second request did not reuse the pending one")
	}
	if sent != 1 {
		t.Fatalf("request sent %v times", sent)
	}

	// different kind is a different slot
	r3 := p.Begin(Key{User: "bob", Kind: rpc.KindBundleOffer}, send)
	if r3 == r1 || p.Len() != 2 {
		t.Fatalf("distinct keys share a slot")
	}
}

func TestSendFailure(t *testing.T) {
	p := New()
	sendErr := errors.New("send failed")
	r := p.Begin(key, func() error {
		return sendErr
	})
	select {
	case <-r.Done():
	default:
		t.Fatalf("request not completed")
	}
	_, err := r.Wait(context.Background())
	if err != sendErr {
		t.Fatalf("expected send error, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("slot left behind")
	}

	// the key is usable again
	r = p.Begin(key, func() error { return nil })
	if p.Len() != 1 {
		t.Fatalf("slot not installed")
	}
	p.Resolve(key, response(t))
	if _, err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestFail(t *testing.T) {
	p := New()
	r := p.Begin(key, func() error { return nil })
	want := errors.New("no such user")
	if !p.Fail(key, want) {
		t.Fatalf("fail did not find the slot")
	}
	_, err := r.Wait(context.Background())
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestClose(t *testing.T) {
	p := New()
	r1 := p.Begin(key, func() error { return nil })
	r2 := p.Begin(Key{User: "carol", Kind: rpc.KindBundleRequest},
		func() error { return nil })

	cause := errors.New("read: EOF")
	p.Close(cause)
	for _, r := range []*Request{r1, r2} {
		_, err := r.Wait(context.Background())
		if !errors.Is(err, ErrClosed) || !errors.Is(err, cause) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if p.Len() != 0 {
		t.Fatalf("slots left behind")
	}

	// new requests fail immediately and never send
	r := p.Begin(key, func() error {
		t.Fatalf("send called on closed pending")
		return nil
	})
	if _, err := r.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitCancel(t *testing.T) {
	p := New()
	r := p.Begin(key, func() error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("cancelled slot left behind")
	}
	if p.Resolve(key, response(t)) {
		t.Fatalf("resolved a cancelled request")
	}
}

func TestWaitCancelShared(t *testing.T) {
	p := New()
	r1 := p.Begin(key, func() error { return nil })
	r2 := p.Begin(key, func() error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r1.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	_, err := r2.Wait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("shared request not failed: %v", err)
	}
}
