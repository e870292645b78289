package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/varmail/mstore/hcache"
	"github.com/varmail/mstore/mlog"
	"github.com/varmail/mstore/msio"
)

// Kind is the on-disk mailbox format.
type Kind int

const (
	KindUnknown Kind = iota
	KindMaildir
	KindMH
)

func (k Kind) String() string {
	switch k {
	case KindMaildir:
		return "maildir"
	case KindMH:
		return "mh"
	}
	return "unknown"
}

// mhHints are files whose presence marks a directory as an MH-style mailbox.
// Beyond MH proper this covers the cache files left behind by other agents
// using the same layout.
var mhHints = []string{
	".mh_sequences",
	".xmhcache",
	".mew_cache",
	".mew-cache",
	".sylpheed_cache",
	".overview",
}

// Probe determines the mailbox format of a directory: a cur/ subdirectory
// means maildir, a known MH marker file means MH.
func Probe(path string) Kind {
	if st, err := os.Stat(path); err != nil || !st.IsDir() {
		return KindUnknown
	}
	if st, err := os.Stat(filepath.Join(path, "cur")); err == nil && st.IsDir() {
		return KindMaildir
	}
	for _, hint := range mhHints {
		if _, err := os.Stat(filepath.Join(path, hint)); err == nil {
			return KindMH
		}
	}
	return KindUnknown
}

// Mailbox is an open maildir or MH directory with its message records.
// Not safe for concurrent use.
type Mailbox struct {
	Kind   Kind
	Path   string // canonicalized directory
	Policy Policy

	Msgs []*Message

	log   *mlog.Log
	umask int // permission bits the mailbox directory masks out

	// Recorded modification times for external-change detection. For maildir
	// mtime covers new/ and mtime2 cur/; for MH mtime covers the directory
	// and mtime2 the sequences file.
	mtime  time.Time
	mtime2 time.Time

	// When the mailbox was last opened or checked, for MH new-mail stats.
	lastVisit time.Time

	// Set by an external filesystem monitor. The next Check then keeps the
	// recorded mtimes so a change that races the check is seen again.
	ExternalNotified bool

	cache *hcache.Handle
	byKey map[string]*Message

	// Counters steering which subdirectory the open fallback searches first.
	newHits, curHits int
}

// Open scans the mailbox at path. The format is probed from the directory
// layout; an unrecognized directory is an error. Headers of all messages are
// parsed (or fetched from the header cache) before Open returns.
func Open(ctx context.Context, log *mlog.Log, path string, pol Policy) (*Mailbox, error) {
	p, err := PathCanon(path)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing %q: %w", path, err)
	}
	kind := Probe(p)
	if kind == KindUnknown {
		return nil, fmt.Errorf("%w: %q is not a maildir or mh mailbox", ErrNotFound, p)
	}

	mb := &Mailbox{
		Kind:   kind,
		Path:   p,
		Policy: pol,
		log:    log,
	}
	mb.umask, err = msio.DirUmask(p)
	if err != nil {
		return nil, fmt.Errorf("mailbox directory: %w", err)
	}

	mb.openCache()

	if err := mb.scan(ctx); err != nil {
		mb.Close()
		return nil, err
	}
	if kind == KindMH {
		if err := mb.applySequences(); err != nil {
			mb.Close()
			return nil, err
		}
	}
	mb.refreshTimes()
	mb.lastVisit = time.Now()
	return mb, nil
}

// openCache opens the header cache for this mailbox. Failure is not fatal:
// the mailbox works without a cache, just slower.
func (mb *Mailbox) openCache() {
	c, err := hcache.Open(mb.Policy.HeaderCachePath, mb.Path, nil)
	if err != nil {
		mb.log.Infox("opening header cache, continuing without", err, mlog.Field("mailbox", mb.Path))
		return
	}
	mb.cache = c
}

// Close releases the header cache and drops the message records. Pending
// flag changes are discarded; call Sync first to keep them.
func (mb *Mailbox) Close() error {
	var err error
	if mb.cache != nil {
		err = mb.cache.Close()
		mb.cache = nil
	}
	mb.Msgs = nil
	mb.byKey = nil
	return err
}

// index returns the key→record map, building it on first use. Scan, check
// and sync invalidate it when the record list changes.
func (mb *Mailbox) index() map[string]*Message {
	if mb.byKey == nil {
		mb.byKey = make(map[string]*Message, len(mb.Msgs))
		for _, m := range mb.Msgs {
			mb.byKey[m.Key] = m
		}
	}
	return mb.byKey
}

// MsgByKey returns the record with the given canonical key, or nil.
func (mb *Mailbox) MsgByKey(key string) *Message {
	return mb.index()[key]
}

// refreshTimes records the directory mtimes current state, the baseline the
// next Check compares against.
func (mb *Mailbox) refreshTimes() {
	switch mb.Kind {
	case KindMaildir:
		if st, err := os.Stat(filepath.Join(mb.Path, "new")); err == nil {
			mb.mtime = st.ModTime()
		}
		if st, err := os.Stat(filepath.Join(mb.Path, "cur")); err == nil {
			mb.mtime2 = st.ModTime()
		}
	case KindMH:
		if st, err := os.Stat(mb.Path); err == nil {
			mb.mtime = st.ModTime()
		}
		if st, err := os.Stat(mb.sequencesPath()); err == nil {
			mb.mtime2 = st.ModTime()
		}
	}
}

// MsgSaveHcache writes the parsed headers of a message to the header cache
// immediately, outside the regular flush during Sync.
func (mb *Mailbox) MsgSaveHcache(m *Message) error {
	if mb.cache == nil || !m.Parsed {
		return nil
	}
	buf, err := m.cachePayload()
	if err != nil {
		return err
	}
	return mb.cache.Store(m.Key, buf, time.Time{})
}

// PathCanon resolves a mailbox path to a cleaned absolute path, expanding a
// leading ~ to the home directory.
func PathCanon(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding ~: %v", err)
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// PathPretty abbreviates a path for display: paths under folder become
// "=rest", paths under the home directory "~/rest".
func PathPretty(path, folder string) string {
	if folder != "" && folder != "/" {
		if rest, ok := strings.CutPrefix(path, strings.TrimSuffix(folder, "/")+"/"); ok {
			return "=" + rest
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "/" {
		if rest, ok := strings.CutPrefix(path, strings.TrimSuffix(home, "/")+"/"); ok {
			return "~/" + rest
		}
	}
	return path
}

// PathParent returns the enclosing directory of a mailbox path.
func PathParent(path string) string {
	return filepath.Dir(path)
}

// PathIsEmpty reports whether the mailbox at path holds no messages. Files
// that are not messages (dotfiles, MH tombstones) do not count.
func PathIsEmpty(path string) (bool, error) {
	switch Probe(path) {
	case KindMaildir:
		for _, sub := range []string{"new", "cur"} {
			entries, err := os.ReadDir(filepath.Join(path, sub))
			if err != nil {
				return false, err
			}
			for _, e := range entries {
				if !strings.HasPrefix(e.Name(), ".") {
					return false, nil
				}
			}
		}
		return true, nil
	case KindMH:
		entries, err := os.ReadDir(path)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if _, err := mhKey(e.Name()); err == nil {
				return false, nil
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %q is not a maildir or mh mailbox", ErrNotFound, path)
}
