package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/varmail/mstore/message"
)

// Message is the in-memory record for one message file. Records are created
// during scan and live until the mailbox is closed or a sync confirms their
// removal from disk.
type Message struct {
	// Canonical key: maildir basename up to the first ':', or the MH number
	// as written. Stable across maildir flag renames, used as header cache
	// key and for matching during external-change detection.
	Key string

	Base   string // on-disk basename, including any flag suffix
	Subdir string // "new" or "cur" for maildir, empty for MH
	Inode  uint64 // for stable ordering of the deferred parse pass

	Flags     Flags
	UserFlags string // maildir flag characters outside F/R/S/T, ASCII order

	// Set once the deferred parse pass filled in Envelope, Size and
	// BodyOffset, from the header cache or the file itself.
	Parsed     bool
	Envelope   *message.Envelope
	Size       int64 // body length in bytes, excluding the header block
	BodyOffset int64 // offset of the first body byte in the file

	Changed bool // flags were modified locally, sync must write them out
	Deleted bool // scheduled for removal on next sync
	Active  bool // still present on disk as of the last scan or check

	// Key the header cache entry was last stored under, when it differs from
	// Key after a rewrite renamed the file. Sync migrates the entry.
	prevKey string

	// Unlinked or tombstoned by sync, record is dropped when the sync loop
	// finishes.
	removed bool
}

// path returns the location of the message file under the mailbox root.
func (m *Message) path(root string) string {
	if m.Subdir == "" {
		return filepath.Join(root, m.Base)
	}
	return filepath.Join(root, m.Subdir, m.Base)
}

// envChanged reports whether the parsed header was edited and the file must
// be rewritten on sync.
func (m *Message) envChanged() bool {
	return m.Envelope != nil && m.Envelope.Changed
}

// mhKey validates an MH basename and returns its message number. Tombstones
// (comma-prefixed) and non-numeric names are not messages.
func mhKey(base string) (int, error) {
	if base == "" || strings.HasPrefix(base, ".") || strings.HasPrefix(base, ",") {
		return 0, fmt.Errorf("%w: %q is not an mh message", ErrCorruptFilename, base)
	}
	n, err := strconv.Atoi(base)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive mh message number", ErrCorruptFilename, base)
	}
	return n, nil
}

// cacheEntry is the JSON payload stored in the header cache for a parsed
// message. Flags are deliberately absent: the filename and the sequences
// file remain authoritative for them.
type cacheEntry struct {
	Envelope   *message.Envelope
	Size       int64
	BodyOffset int64
}

func (m *Message) cachePayload() ([]byte, error) {
	e := cacheEntry{Envelope: m.Envelope, Size: m.Size, BodyOffset: m.BodyOffset}
	return json.Marshal(e)
}

func (m *Message) applyCachePayload(buf []byte) error {
	var e cacheEntry
	if err := json.Unmarshal(buf, &e); err != nil {
		return fmt.Errorf("decoding cached headers: %v", err)
	}
	m.Envelope = e.Envelope
	m.Size = e.Size
	m.BodyOffset = e.BodyOffset
	m.Parsed = true
	return nil
}
