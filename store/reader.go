package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/varmail/mstore/mlog"
)

// MsgOpen opens a message for reading. For maildir, a file that vanished
// from its recorded location is looked up again by canonical key: another
// agent may have renamed it for a flag change or moved it from new/ to cur/.
// A successful find updates the record, flags included. When the message is
// gone from both subdirectories the record is deactivated and ErrNotFound
// returned.
func (mb *Mailbox) MsgOpen(m *Message) (*os.File, error) {
	p := m.path(mb.Path)
	f, err := os.Open(p)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening message: %w", err)
	}
	if mb.Kind != KindMaildir {
		m.Active = false
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, m.Key)
	}

	// Search the likelier subdirectory first. Messages tend to move in one
	// direction per session, the hit counters learn which.
	order := []string{"cur", "new"}
	if mb.newHits > mb.curHits {
		order = []string{"new", "cur"}
	}
	for _, sub := range order {
		f, base, err := mb.findByKey(sub, m.Key)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		switch sub {
		case "new":
			mb.newHits++
		case "cur":
			mb.curHits++
		}
		mb.log.Debug("message found after rename", mlog.Field("key", m.Key), mlog.Field("base", base), mlog.Field("subdir", sub))
		m.Base = base
		m.Subdir = sub
		m.Flags, m.UserFlags, m.Deleted = maildirParseFlags(base, mb.Policy.PreserveFlagged)
		m.Flags.Old = sub == "cur"
		return f, nil
	}

	m.Active = false
	return nil, fmt.Errorf("%w: message %s", ErrNotFound, m.Key)
}

// findByKey scans one subdirectory for an entry whose canonical key matches.
// Returns a nil file when the key is not there.
func (mb *Mailbox) findByKey(subdir, key string) (*os.File, string, error) {
	dir := filepath.Join(mb.Path, subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || maildirKey(name) != key {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, "", fmt.Errorf("opening found message: %w", err)
		}
		return f, name, nil
	}
	return nil, "", nil
}

// MsgClose closes a file returned by MsgOpen.
func (mb *Mailbox) MsgClose(f *os.File) error {
	return f.Close()
}
