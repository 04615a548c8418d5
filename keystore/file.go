// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/companyzero/zkrelay/identity"
	"github.com/companyzero/zkrelay/ratchet"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/davecgh/go-xdr/xdr2"
)

const (
	IdentityFilename = "identity"
	SaltFilename     = "salt"
	VerifyFilename   = "verify"
	OneTimeDir       = "onetime"
	SignedDir        = "signed"
	SessionsDir      = "sessions"
	TrustDir         = "trust"
)

var verifyBlob = []byte("zkrelay keystore")

// FileStore is a MemoryStore mirrored to a directory.  Every mutation is
// written to disk before it becomes visible in memory.
type FileStore struct {
	root  string
	seal  *sealer
	cache *MemoryStore

	mtx sync.Mutex // serializes disk writes
}

var _ Store = (*FileStore)(nil)

// OpenFileStore opens, creating if needed, the store rooted at root and
// reloads all records.  A non empty passphrase seals records at rest; a store
// created with a passphrase can only be opened with the same passphrase.
func OpenFileStore(root, passphrase string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("must provide root directory")
	}
	for _, dir := range []string{root,
		filepath.Join(root, OneTimeDir),
		filepath.Join(root, SignedDir),
		filepath.Join(root, SessionsDir),
		filepath.Join(root, TrustDir)} {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			return nil, &Error{Op: "open", Path: dir, Err: err}
		}
	}

	f := &FileStore{
		root:  root,
		cache: NewMemoryStore(),
	}
	err := f.unseal(passphrase)
	if err != nil {
		return nil, err
	}
	err = f.reload()
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) unseal(passphrase string) error {
	saltFile := filepath.Join(f.root, SaltFilename)
	blob, err := readFile(saltFile)
	if err != nil {
		return &Error{Op: "open", Path: saltFile, Err: err}
	}
	if blob == nil {
		if passphrase == "" {
			return nil
		}
		// new sealed store, refuse to seal an existing plain one
		if _, err := os.Stat(filepath.Join(f.root, IdentityFilename)); err == nil {
			return &Error{Op: "open", Path: f.root,
				Err: fmt.Errorf("existing store is not sealed")}
		}
		salt, err := newSalt()
		if err != nil {
			return &Error{Op: "open", Path: saltFile, Err: err}
		}
		f.seal, err = deriveKey(passphrase, salt)
		if err != nil {
			return &Error{Op: "open", Path: saltFile, Err: err}
		}
		err = writeFile(saltFile, salt[:])
		if err != nil {
			return &Error{Op: "open", Path: saltFile, Err: err}
		}
		return f.write(filepath.Join(f.root, VerifyFilename), verifyBlob)
	}

	if passphrase == "" {
		return ErrSealed
	}
	if len(blob) != 32 {
		return &Error{Op: "open", Path: saltFile,
			Err: fmt.Errorf("invalid salt")}
	}
	var salt [32]byte
	copy(salt[:], blob)
	f.seal, err = deriveKey(passphrase, &salt)
	if err != nil {
		return &Error{Op: "open", Path: saltFile, Err: err}
	}
	verify, err := f.read(filepath.Join(f.root, VerifyFilename))
	if err != nil {
		return err
	}
	if !bytes.Equal(verify, verifyBlob) {
		return ErrPassphrase
	}
	return nil
}

// reload populates the cache from disk.
func (f *FileStore) reload() error {
	blob, err := f.read(filepath.Join(f.root, IdentityFilename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err == nil {
		fi, err := identity.UnmarshalFull(blob)
		if err != nil {
			return &Error{Op: "load", Path: IdentityFilename, Err: err}
		}
		f.cache.SetIdentity(fi)
	}

	err = f.walk(OneTimeDir, func(name string, blob []byte) error {
		var k identity.OneTimePreKey
		if err := unmarshal(blob, &k); err != nil {
			return err
		}
		return f.cache.StoreOneTimePreKey(k.ID, k)
	})
	if err != nil {
		return err
	}

	err = f.walk(SignedDir, func(name string, blob []byte) error {
		var k identity.SignedPreKey
		if err := unmarshal(blob, &k); err != nil {
			return err
		}
		return f.cache.StoreSignedPreKey(k.ID, k)
	})
	if err != nil {
		return err
	}

	err = f.walk(SessionsDir, func(name string, blob []byte) error {
		peer, err := parsePeerFilename(name)
		if err != nil {
			return err
		}
		s, err := ratchet.UnmarshalState(blob)
		if err != nil {
			return err
		}
		return f.cache.StoreSession(peer, *s)
	})
	if err != nil {
		return err
	}

	return f.walk(TrustDir, func(name string, blob []byte) error {
		peer, err := parsePeerFilename(name)
		if err != nil {
			return err
		}
		var key identity.Public
		if err := unmarshal(blob, &key); err != nil {
			return err
		}
		_, err = f.cache.SaveIdentity(peer, key)
		return err
	})
}

// walk calls fn for every record in dir.  Leftover temporary files are
// skipped.
func (f *FileStore) walk(dir string, fn func(name string, blob []byte) error) error {
	entries, err := os.ReadDir(filepath.Join(f.root, dir))
	if err != nil {
		return &Error{Op: "load", Path: dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || isTemp(e.Name()) {
			continue
		}
		filename := filepath.Join(f.root, dir, e.Name())
		blob, err := f.read(filename)
		if err != nil {
			return err
		}
		err = fn(e.Name(), blob)
		if err != nil {
			return &Error{Op: "load", Path: filename, Err: err}
		}
	}
	return nil
}

func (f *FileStore) read(filename string) ([]byte, error) {
	blob, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, &Error{Op: "read", Path: filename, Err: err}
	}
	data, err := f.seal.open(blob)
	if err != nil {
		return nil, &Error{Op: "read", Path: filename, Err: err}
	}
	return data, nil
}

// write must be called with mtx held or before the store is shared.
func (f *FileStore) write(filename string, data []byte) error {
	blob, err := f.seal.seal(data)
	if err != nil {
		return &Error{Op: "write", Path: filename, Err: err}
	}
	err = writeFile(filename, blob)
	if err != nil {
		return &Error{Op: "write", Path: filename, Err: err}
	}
	return nil
}

func (f *FileStore) remove(filename string) error {
	err := os.Remove(filename)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Op: "remove", Path: filename, Err: err}
	}
	return nil
}

func (f *FileStore) writeRecord(filename string, v interface{}) error {
	var b bytes.Buffer
	_, err := xdr.Marshal(&b, v)
	if err != nil {
		return &Error{Op: "marshal", Path: filename, Err: err}
	}
	return f.write(filename, b.Bytes())
}

func unmarshal(blob []byte, v interface{}) error {
	br := bytes.NewReader(blob)
	_, err := xdr.Unmarshal(br, v)
	return err
}

func idFilename(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// peerFilename encodes the user name so that any user name maps to a valid
// filename.
func peerFilename(peer rpc.Address) string {
	return hex.EncodeToString([]byte(peer.User)) + "." + idFilename(peer.Device)
}

func parsePeerFilename(name string) (rpc.Address, error) {
	user, device, found := strings.Cut(name, ".")
	if !found {
		return rpc.Address{}, fmt.Errorf("invalid filename")
	}
	u, err := hex.DecodeString(user)
	if err != nil {
		return rpc.Address{}, fmt.Errorf("invalid filename: %v", err)
	}
	d, err := strconv.ParseUint(device, 10, 32)
	if err != nil {
		return rpc.Address{}, fmt.Errorf("invalid filename: %v", err)
	}
	return rpc.Address{User: string(u), Device: uint32(d)}, nil
}

func (f *FileStore) Identity() (*identity.Full, error) {
	return f.cache.Identity()
}

func (f *FileStore) SetIdentity(fi *identity.Full) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	blob, err := fi.Marshal()
	if err != nil {
		return &Error{Op: "marshal", Path: IdentityFilename, Err: err}
	}
	err = f.write(filepath.Join(f.root, IdentityFilename), blob)
	if err != nil {
		return err
	}
	return f.cache.SetIdentity(fi)
}

func (f *FileStore) StoreOneTimePreKey(id uint32, key identity.OneTimePreKey) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	key.ID = id
	err := f.writeRecord(filepath.Join(f.root, OneTimeDir, idFilename(id)), key)
	if err != nil {
		return err
	}
	return f.cache.StoreOneTimePreKey(id, key)
}

func (f *FileStore) LoadOneTimePreKey(id uint32) (*identity.OneTimePreKey, error) {
	return f.cache.LoadOneTimePreKey(id)
}

func (f *FileStore) ContainsOneTimePreKey(id uint32) bool {
	return f.cache.ContainsOneTimePreKey(id)
}

func (f *FileStore) RemoveOneTimePreKey(id uint32) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	err := f.remove(filepath.Join(f.root, OneTimeDir, idFilename(id)))
	if err != nil {
		return err
	}
	return f.cache.RemoveOneTimePreKey(id)
}

func (f *FileStore) OneTimePreKeyIDs() []uint32 {
	return f.cache.OneTimePreKeyIDs()
}

func (f *FileStore) StoreSignedPreKey(id uint32, key identity.SignedPreKey) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	key.ID = id
	err := f.writeRecord(filepath.Join(f.root, SignedDir, idFilename(id)), key)
	if err != nil {
		return err
	}
	return f.cache.StoreSignedPreKey(id, key)
}

func (f *FileStore) LoadSignedPreKey(id uint32) (*identity.SignedPreKey, error) {
	return f.cache.LoadSignedPreKey(id)
}

func (f *FileStore) ContainsSignedPreKey(id uint32) bool {
	return f.cache.ContainsSignedPreKey(id)
}

func (f *FileStore) RemoveSignedPreKey(id uint32) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	err := f.remove(filepath.Join(f.root, SignedDir, idFilename(id)))
	if err != nil {
		return err
	}
	return f.cache.RemoveSignedPreKey(id)
}

func (f *FileStore) SignedPreKeyIDs() []uint32 {
	return f.cache.SignedPreKeyIDs()
}

func (f *FileStore) LoadSession(peer rpc.Address) (ratchet.State, error) {
	return f.cache.LoadSession(peer)
}

func (f *FileStore) StoreSession(peer rpc.Address, state ratchet.State) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	filename := filepath.Join(f.root, SessionsDir, peerFilename(peer))
	blob, err := state.Marshal()
	if err != nil {
		return &Error{Op: "marshal", Path: filename, Err: err}
	}
	err = f.write(filename, blob)
	if err != nil {
		return err
	}
	return f.cache.StoreSession(peer, state)
}

func (f *FileStore) DeleteSession(peer rpc.Address) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	err := f.remove(filepath.Join(f.root, SessionsDir, peerFilename(peer)))
	if err != nil {
		return err
	}
	return f.cache.DeleteSession(peer)
}

func (f *FileStore) DeleteAllSessions(user string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for _, id := range f.cache.SessionDeviceIDs(user) {
		peer := rpc.Address{User: user, Device: id}
		err := f.remove(filepath.Join(f.root, SessionsDir,
			peerFilename(peer)))
		if err != nil {
			return err
		}
		err = f.cache.DeleteSession(peer)
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) SessionDeviceIDs(user string) []uint32 {
	return f.cache.SessionDeviceIDs(user)
}

func (f *FileStore) IsTrusted(peer rpc.Address, key identity.Public) bool {
	return f.cache.IsTrusted(peer, key)
}

func (f *FileStore) SaveIdentity(peer rpc.Address, key identity.Public) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	known, found := f.cache.TrustedIdentity(peer)
	if found && known == key {
		return false, nil
	}
	err := f.writeRecord(filepath.Join(f.root, TrustDir, peerFilename(peer)), key)
	if err != nil {
		return false, err
	}
	return f.cache.SaveIdentity(peer, key)
}

func (f *FileStore) TrustedIdentity(peer rpc.Address) (identity.Public, bool) {
	return f.cache.TrustedIdentity(peer)
}
