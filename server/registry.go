// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/companyzero/zkrelay/rpc"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoBundle     = errors.New("no bundle")
)

// RoutingError is returned when a packet can not be delivered because the
// recipient is not connected.
type RoutingError struct {
	Recipient rpc.Address
	Kind      rpc.Kind
	Err       error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route %v to %v: %v", e.Kind, e.Recipient, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// Transport is the part of a connection the registry needs.
type Transport interface {
	Send(*rpc.Packet) error
	Close() error
}

type device struct {
	transport Transport
	bundle    *rpc.BundleOffer
}

// Registry maps user and device to the live transport of that device.  There
// is at most one transport per device.
type Registry struct {
	sync.Mutex
	users map[string]map[uint32]*device
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[uint32]*device),
	}
}

// Register installs t as the transport of addr.  A transport that was
// registered for addr before is closed.
func (r *Registry) Register(addr rpc.Address, t Transport) {
	r.Lock()
	devices, found := r.users[addr.User]
	if !found {
		devices = make(map[uint32]*device)
		r.users[addr.User] = devices
	}
	old := devices[addr.Device]
	devices[addr.Device] = &device{transport: t}
	r.Unlock()

	if old != nil && old.transport != t {
		old.transport.Close()
	}
}

// remove must be called with the mutex held.
func (r *Registry) remove(addr rpc.Address) *device {
	devices, found := r.users[addr.User]
	if !found {
		return nil
	}
	d, found := devices[addr.Device]
	if !found {
		return nil
	}
	delete(devices, addr.Device)
	if len(devices) == 0 {
		delete(r.users, addr.User)
	}
	return d
}

// Unregister removes and closes the transport of addr.
func (r *Registry) Unregister(addr rpc.Address) bool {
	r.Lock()
	d := r.remove(addr)
	r.Unlock()

	if d == nil {
		return false
	}
	d.transport.Close()
	return true
}

// UnregisterUser removes and closes all transports of user.  It returns the
// number of devices that were removed.
func (r *Registry) UnregisterUser(user string) int {
	r.Lock()
	devices := r.users[user]
	delete(r.users, user)
	r.Unlock()

	for _, d := range devices {
		d.transport.Close()
	}
	return len(devices)
}

// Remove removes addr only if t is still its transport.  The transport is not
// closed.
func (r *Registry) Remove(addr rpc.Address, t Transport) bool {
	r.Lock()
	defer r.Unlock()

	d, found := r.users[addr.User][addr.Device]
	if !found || d.transport != t {
		return false
	}
	r.remove(addr)
	return true
}

// lookup must be called with the mutex held.  Device 0 selects the lowest
// numbered connected device.
func (r *Registry) lookup(addr rpc.Address) (uint32, *device) {
	devices := r.users[addr.User]
	if addr.Device != 0 {
		return addr.Device, devices[addr.Device]
	}
	ids := sortedDeviceIDs(devices)
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], devices[ids[0]]
}

// Lookup returns the transport of addr.
func (r *Registry) Lookup(addr rpc.Address) (Transport, bool) {
	r.Lock()
	defer r.Unlock()

	d, found := r.users[addr.User][addr.Device]
	if !found {
		return nil, false
	}
	return d.transport, true
}

// ConnectedDeviceIDs returns the sorted ids of all connected devices of user.
func (r *Registry) ConnectedDeviceIDs(user string) []uint32 {
	r.Lock()
	defer r.Unlock()

	return sortedDeviceIDs(r.users[user])
}

// SetBundle caches the bundle a registered device offers.
func (r *Registry) SetBundle(addr rpc.Address, b rpc.BundleOffer) error {
	r.Lock()
	defer r.Unlock()

	d, found := r.users[addr.User][addr.Device]
	if !found {
		return &RoutingError{
			Recipient: addr,
			Kind:      rpc.KindBundleOffer,
			Err:       ErrNotConnected,
		}
	}
	d.bundle = &b
	return nil
}

// Bundle returns the cached bundle of target and the address of the device
// it belongs to.  A one-time pre-key is handed out once; it is withdrawn from
// the cache until the device offers a fresh bundle.
func (r *Registry) Bundle(target rpc.Address) (*rpc.BundleOffer, rpc.Address, error) {
	r.Lock()
	defer r.Unlock()

	id, d := r.lookup(target)
	if d == nil {
		return nil, rpc.Address{}, &RoutingError{
			Recipient: target,
			Kind:      rpc.KindBundleRequest,
			Err:       ErrNotConnected,
		}
	}
	if d.bundle == nil {
		return nil, rpc.Address{}, &RoutingError{
			Recipient: target,
			Kind:      rpc.KindBundleRequest,
			Err:       ErrNoBundle,
		}
	}
	b := *d.bundle
	d.bundle.HasOneTimePreKey = false
	d.bundle.OneTimePreKeyID = 0
	d.bundle.OneTimePreKey = [32]byte{}
	return &b, rpc.Address{User: target.User, Device: id}, nil
}

// Close closes and removes all transports.
func (r *Registry) Close() {
	r.Lock()
	users := r.users
	r.users = make(map[string]map[uint32]*device)
	r.Unlock()

	for _, devices := range users {
		for _, d := range devices {
			d.transport.Close()
		}
	}
}

func sortedDeviceIDs(devices map[uint32]*device) []uint32 {
	ids := make([]uint32, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
