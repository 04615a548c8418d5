// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package e2e

import (
	"errors"

	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/keystore"
)

// Provision makes sure the store holds an identity, a signed pre-key and at
// least oneTime one-time pre-keys.  Missing material is generated; existing
// material is left alone.  It reports whether anything was added.
func (e *Engine) Provision(oneTime int) (bool, error) {
	e.preKeyMtx.Lock()
	defer e.preKeyMtx.Unlock()

	added := false
	fi, err := e.store.Identity()
	if errors.Is(err, keystore.ErrUninitialized) {
		fi, err = identity.New()
		if err != nil {
			return false, err
		}
		err = e.store.SetIdentity(fi)
		if err != nil {
			return false, err
		}
		added = true
	} else if err != nil {
		return false, err
	}

	if len(e.store.SignedPreKeyIDs()) == 0 {
		spk, err := fi.NewSignedPreKey(1)
		if err != nil {
			return false, err
		}
		err = e.store.StoreSignedPreKey(spk.ID, *spk)
		if err != nil {
			return false, err
		}
		added = true
	}

	ids := e.store.OneTimePreKeyIDs()
	if len(ids) >= oneTime {
		return added, nil
	}
	// continue numbering after the highest id seen
	next := uint32(1)
	if len(ids) != 0 {
		next = ids[len(ids)-1] + 1
	}
	if e.nextPreKeyID > next {
		next = e.nextPreKeyID
	}
	keys, err := identity.NewOneTimePreKeys(next, oneTime-len(ids))
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		err = e.store.StoreOneTimePreKey(k.ID, k)
		if err != nil {
			return false, err
		}
	}
	e.nextPreKeyID = next + uint32(len(keys))
	return true, nil
}
