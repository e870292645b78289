// Package hcache is a persistent header cache. It memoizes parsed message
// headers keyed by file identity, so reopening a large mailbox does not
// reparse every message.
//
// Entries are opaque payloads prefixed by a validity timestamp (seconds and
// microseconds, host byte order). The caller compares the validity time
// against the message file mtime to decide whether an entry is still usable.
//
// Several storage engines can back a cache. Open consults a priority list and
// uses the first engine that can open the path. Engines only guarantee
// per-key atomicity, no ordered iteration and no cross-key transactions.
package hcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/blake2b"

	"github.com/varmail/mstore/mlog"
)

var xlog = mlog.New("hcache")

var (
	metricFetch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_hcache_fetch_total",
			Help: "Header cache fetches, by result.",
		},
		[]string{"result"}, // hit, miss
	)
	metricStore = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mstore_hcache_store_total",
			Help: "Header cache stores.",
		},
	)
)

// ErrAbsent is returned by fetches for keys not in the cache.
var ErrAbsent = errors.New("hcache: key absent")

// Well-known raw keys, used for resumable syncing against a remote mailbox.
const (
	KeyUIDValidity = "/UIDVALIDITY"
	KeyUIDNext     = "/UIDNEXT"
	KeyModSeq      = "/MODSEQ"
	KeyUIDSeqSet   = "/UIDSEQSET"
)

// Namer transforms a folder path into the filename component of its per-folder
// cache database. When nil, a digest of the folder path is used.
type Namer func(folder string) string

// backend is a key/value storage engine. Implementations must provide per-key
// atomicity; nothing more is assumed.
type backend interface {
	get(key string) ([]byte, error) // ErrAbsent when missing.
	set(key string, data []byte) error
	delete(key string) error // Absent keys are not an error.
	close() error
}

// engine can open a backend on a database path.
type engine struct {
	name string
	open func(path string) (backend, error)
}

// Engines to try, in order of preference.
var engines = []engine{
	{"bstore", openBstore},
	{"bbolt", openBolt},
}

// Handle is an open header cache for one folder.
type Handle struct {
	folder string // Prefixed to every key.
	be     backend
}

// prefix size: seconds and microseconds, 8 bytes each, host byte order.
const validitySize = 16

// Open opens (creating if needed) the header cache at path for the given
// folder. If path is an existing directory, or ends in a path separator, each
// folder gets its own database file inside it, named by namer or by a digest
// of the folder path. Otherwise path is a single shared database file.
//
// An empty path opens a non-persistent in-memory cache.
func Open(path, folder string, namer Namer) (*Handle, error) {
	h := &Handle{folder: folder}
	if path == "" {
		h.be = newMemory()
		return h, nil
	}

	dbpath, err := databasePath(path, folder, namer)
	if err != nil {
		return nil, err
	}

	var lasterr error
	for _, e := range engines {
		be, err := e.open(dbpath)
		if err == nil {
			h.be = be
			return h, nil
		}
		lasterr = fmt.Errorf("opening %s cache at %s: %w", e.name, dbpath, err)
		xlog.Debugx("opening header cache engine, trying next", err, mlog.Field("engine", e.name))
	}
	return nil, lasterr
}

// databasePath resolves the on-disk database file for folder, creating parent
// directories as needed.
func databasePath(path, folder string, namer Namer) (string, error) {
	fi, err := os.Stat(path)
	isdir := err == nil && fi.IsDir()
	if !isdir && !os.IsNotExist(err) && err != nil {
		return "", fmt.Errorf("stat cache path: %w", err)
	}
	if !isdir && !strings.HasSuffix(path, string(os.PathSeparator)) {
		// Shared single-file cache.
		if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
			return "", fmt.Errorf("creating cache directory: %w", err)
		}
		return path, nil
	}

	var name string
	if namer != nil {
		name = namer(folder)
	} else {
		sum := blake2b.Sum256([]byte(folder))
		name = fmt.Sprintf("%x.db", sum[:12])
	}
	if err := os.MkdirAll(path, 0770); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	return filepath.Join(path, name), nil
}

// Close releases the backend. The handle must not be used afterwards.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	return h.be.close()
}

func (h *Handle) realkey(key string) string {
	return h.folder + "/" + key
}

// Fetch returns the payload stored for key and its validity time.
// Returns ErrAbsent when the key is not present.
func (h *Handle) Fetch(key string) ([]byte, time.Time, error) {
	buf, err := h.be.get(h.realkey(key))
	if err != nil {
		if err == ErrAbsent {
			metricFetch.WithLabelValues("miss").Inc()
		}
		return nil, time.Time{}, err
	}
	if len(buf) < validitySize {
		// Truncated entry, treat as absent.
		metricFetch.WithLabelValues("miss").Inc()
		return nil, time.Time{}, ErrAbsent
	}
	sec := int64(binary.NativeEndian.Uint64(buf[:8]))
	usec := int64(binary.NativeEndian.Uint64(buf[8:16]))
	metricFetch.WithLabelValues("hit").Inc()
	return buf[validitySize:], time.Unix(sec, usec*1000), nil
}

// Store saves payload under key with the given validity time. A zero validity
// means now. The validity must be at or after the file mtime of the message
// the payload describes.
func (h *Handle) Store(key string, payload []byte, validity time.Time) error {
	if validity.IsZero() {
		validity = time.Now()
	}
	buf := make([]byte, validitySize+len(payload))
	binary.NativeEndian.PutUint64(buf[:8], uint64(validity.Unix()))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(validity.Nanosecond()/1000))
	copy(buf[validitySize:], payload)
	metricStore.Inc()
	return h.be.set(h.realkey(key), buf)
}

// FetchRaw returns the raw value for key, without validity prefix. For small
// untyped metadata such as KeyUIDValidity.
func (h *Handle) FetchRaw(key string) ([]byte, error) {
	return h.be.get(h.realkey(key))
}

// StoreRaw saves a raw value without validity prefix.
func (h *Handle) StoreRaw(key string, data []byte) error {
	return h.be.set(h.realkey(key), data)
}

// Delete removes the entry for key. Deleting an absent key is not an error.
func (h *Handle) Delete(key string) error {
	return h.be.delete(h.realkey(key))
}
