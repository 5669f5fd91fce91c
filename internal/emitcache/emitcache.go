// Package emitcache persists compiled backend modules on disk, keyed by a
// digest of the input image and the compiler version. A cache hit skips
// translation entirely.
package emitcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Key identifies one compilation result.
type Key = [sha256.Size]byte

// KeyOf derives the cache key for an input image compiled by the given
// compiler version.
func KeyOf(version string, image []byte) Key {
	h := sha256.New()
	h.Write([]byte(version))
	h.Write([]byte{0})
	h.Write(image)
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Entry is one cached compilation result.
type Entry struct {
	// Version is the compiler version that produced the entry.
	Version string `msgpack:"version"`
	// ModuleName is the source module's declared name.
	ModuleName string `msgpack:"module"`
	// Methods counts the translated method bodies.
	Methods int `msgpack:"methods"`
	// IR is the serialized backend module.
	IR []byte `msgpack:"ir"`
}

// Cache stores compilation results.
type Cache interface {
	Get(key Key) (*Entry, bool, error)
	Put(key Key, e *Entry) error
	Delete(key Key) error
}

// New returns a cache persisting entries under dir, one file per key.
func New(dir string) Cache {
	return &fileCache{dir: dir}
}

type fileCache struct {
	dir string
}

func (fc *fileCache) path(key Key) string {
	return filepath.Join(fc.dir, hex.EncodeToString(key[:]))
}

func (fc *fileCache) Get(key Key) (*Entry, bool, error) {
	raw, err := os.ReadFile(fc.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is treated as a miss so a rebuild can repair it.
		return nil, false, fc.Delete(key)
	}
	return &e, true, nil
}

// Put writes the entry through a temporary file so readers never observe a
// partial write.
func (fc *fileCache) Put(key Key, e *Entry) error {
	if err := os.MkdirAll(fc.dir, 0o755); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fc.dir, "put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), fc.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("caching entry: %w", err)
	}
	return nil
}

func (fc *fileCache) Delete(key Key) error {
	err := os.Remove(fc.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
