package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/varmail/mstore/mlog"
)

// Sync writes local record state back to disk: deletions, flag changes and
// header edits. Processing is per record; the first failure aborts the sync
// and earlier changes remain applied, a rerun picks up the rest. For MH the
// sequences file is rebuilt at the end. A sync with nothing changed touches
// no files, so syncing twice is the same as syncing once.
func (mb *Mailbox) Sync(ctx context.Context) error {
	var dirty bool
	for _, m := range mb.Msgs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: syncing: %v", ErrAborted, err)
		}
		if m.Changed || m.Deleted || m.envChanged() {
			dirty = true
		}
		var err error
		switch mb.Kind {
		case KindMaildir:
			err = mb.syncMaildirMsg(ctx, m)
		case KindMH:
			err = mb.syncMHMsg(ctx, m)
		}
		if err != nil {
			return fmt.Errorf("syncing message %s: %w", m.Key, err)
		}
	}

	// With nothing to write, syncing again must not touch the mailbox.
	if mb.Kind == KindMH && dirty {
		if err := mb.rebuildSequences(); err != nil {
			return err
		}
	}

	// Everything is on disk now, including the sequences rebuild that
	// persists MH flag changes. Only clear the dirty bits here: a failure
	// above leaves them set for the rerun. Also drop the records sync
	// removed from disk.
	kept := mb.Msgs[:0]
	for _, m := range mb.Msgs {
		m.Changed = false
		if !m.removed {
			kept = append(kept, m)
		}
	}
	mb.Msgs = kept
	mb.byKey = nil

	mb.refreshTimes()
	return nil
}

// syncMaildirMsg handles one maildir record: unlink when deleted (unless
// trash mode keeps it with a T flag), rewrite when the header was edited,
// otherwise rename to encode the current flags.
func (mb *Mailbox) syncMaildirMsg(ctx context.Context, m *Message) error {
	if m.Deleted && !mb.Policy.MaildirTrash {
		p := m.path(mb.Path)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlinking message: %w", err)
		}
		metricSync.WithLabelValues("unlink").Inc()
		mb.cacheDelete(m.Key)
		m.removed = true
		return nil
	}

	needTrashFlip := mb.Policy.MaildirTrash && m.Deleted != m.Flags.Trashed
	if !m.Changed && !m.envChanged() && !needTrashFlip {
		return nil
	}
	if m.envChanged() {
		return mb.rewriteMsg(ctx, m)
	}
	return mb.maildirRenameFlags(m)
}

// maildirRenameFlags renames a message so its filename and subdirectory
// reflect the record's flags. In trash mode a pending deletion becomes the T
// flag on disk.
func (mb *Mailbox) maildirRenameFlags(m *Message) error {
	trashed := m.Flags.Trashed
	if mb.Policy.MaildirTrash {
		trashed = m.Deleted
	}
	subdir := "new"
	if m.Flags.Seen || m.Flags.Old {
		subdir = "cur"
	}
	newBase := m.Key + maildirFlagSuffix(m.Flags, m.UserFlags, trashed)
	if newBase == m.Base && subdir == m.Subdir {
		m.Flags.Trashed = trashed
		return nil
	}

	oldPath := m.path(mb.Path)
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		// Another agent moved it. Leave the record, the next check
		// reconciles it.
		mb.log.Debug("message gone while syncing flags", mlog.Field("key", m.Key))
		return nil
	}
	newPath := filepath.Join(mb.Path, subdir, newBase)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("renaming for flags: %w", err)
	}
	metricSync.WithLabelValues("rename").Inc()
	m.Base = newBase
	m.Subdir = subdir
	m.Flags.Trashed = trashed
	return nil
}

// syncMHMsg handles one MH record. Deletions unlink in purge mode and
// otherwise rename to a comma-prefixed tombstone that scans ignore. Header
// edits rewrite the file; plain flag changes need no per-message work, the
// sequences rebuild at the end of Sync covers them.
func (mb *Mailbox) syncMHMsg(ctx context.Context, m *Message) error {
	if m.Deleted {
		p := m.path(mb.Path)
		if mb.Policy.MHPurge {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("unlinking message: %w", err)
			}
			metricSync.WithLabelValues("unlink").Inc()
		} else if !strings.HasPrefix(m.Base, ",") {
			tomb := filepath.Join(mb.Path, ","+m.Base)
			if err := os.Remove(tomb); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("clearing old tombstone: %w", err)
			}
			if err := os.Rename(p, tomb); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("tombstoning message: %w", err)
			}
			metricSync.WithLabelValues("tombstone").Inc()
		}
		mb.cacheDelete(m.Key)
		m.removed = true
		return nil
	}
	if m.envChanged() {
		return mb.rewriteMsg(ctx, m)
	}
	return nil
}

// rewriteMsg writes a message out again because its stored header changed
// (the editable label). The content is streamed through the header filter
// into a new message, committed through the regular append path, and the old
// file removed. For MH the committed file is renamed back so the message
// keeps its number; for maildir the canonical key changes and the header
// cache entry migrates.
func (mb *Mailbox) rewriteMsg(ctx context.Context, m *Message) error {
	oldPath := m.path(mb.Path)
	src, err := os.Open(oldPath)
	if err != nil {
		return fmt.Errorf("opening message for rewrite: %w", err)
	}
	defer func() {
		err := src.Close()
		mb.log.Check(err, "closing message after rewrite")
	}()

	o, err := mb.MsgOpenNew(m.Flags, m.UserFlags)
	if err != nil {
		return err
	}
	if fi, err := src.Stat(); err == nil {
		o.Received = fi.ModTime()
	}
	var label string
	if m.Envelope != nil {
		label = m.Envelope.Label
	}
	offset, size, err := copyWithLabel(src, o, label)
	if err != nil {
		o.Cancel()
		return fmt.Errorf("rewriting message: %w", err)
	}
	key, err := mb.MsgCommit(ctx, o)
	if err != nil {
		o.Cancel()
		return err
	}

	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old message after rewrite: %w", err)
	}
	metricSync.WithLabelValues("rewrite").Inc()

	newBase, newSubdir := o.committedBase, o.committedSubdir
	if mb.Kind == KindMH {
		// Keep the message number stable when possible.
		if err := safeRename(filepath.Join(mb.Path, newBase), oldPath); err == nil {
			newBase, key = m.Base, m.Key
		}
	}
	if key != m.Key {
		m.prevKey = m.Key
	}
	m.Key = key
	m.Base = newBase
	m.Subdir = newSubdir
	m.BodyOffset = offset
	m.Size = size
	if m.Envelope != nil {
		m.Envelope.Changed = false
	}

	mb.cacheStore(m)
	if m.prevKey != "" && m.prevKey != m.Key {
		mb.cacheDelete(m.prevKey)
		m.prevKey = ""
	}
	return nil
}

func (mb *Mailbox) cacheDelete(key string) {
	if mb.cache == nil {
		return
	}
	err := mb.cache.Delete(key)
	mb.log.Check(err, "removing header cache entry", mlog.Field("key", key))
}

// labelHeader is the one header the store may modify in place.
const labelHeader = "X-Label"

// copyWithLabel streams a message, replacing any X-Label header (and its
// continuation lines) with the given label, or dropping it when the label is
// empty. The new label is inserted just before the blank line ending the
// header block. Returns the body offset and length of the result.
func copyWithLabel(src io.Reader, dst io.Writer, label string) (offset, size int64, err error) {
	r := bufio.NewReader(src)
	var n int64
	write := func(s string) error {
		w, err := io.WriteString(dst, s)
		n += int64(w)
		return err
	}

	inHeader := true
	skipFold := false
	for inHeader {
		line, err := r.ReadString('\n')
		if line != "" && !strings.HasSuffix(line, "\n") {
			// Unterminated final header line, at EOF. Complete it so the
			// label cannot end up glued onto it.
			line += "\n"
		}
		if err == io.EOF && line == "" {
			// Header-only message without a terminating blank line.
			if label != "" {
				if err := write(labelHeader + ": " + label + "\n"); err != nil {
					return 0, 0, err
				}
			}
			return n, 0, nil
		}
		if err != nil && err != io.EOF {
			return 0, 0, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == "":
			if label != "" {
				if err := write(labelHeader + ": " + label + "\n"); err != nil {
					return 0, 0, err
				}
			}
			if err := write(line); err != nil {
				return 0, 0, err
			}
			inHeader = false
		case skipFold && (line[0] == ' ' || line[0] == '\t'):
			// Continuation of the dropped label.
		default:
			skipFold = false
			name, _, ok := strings.Cut(line, ":")
			if ok && strings.EqualFold(strings.TrimSpace(name), labelHeader) {
				skipFold = true
				continue
			}
			if err := write(line); err != nil {
				return 0, 0, err
			}
		}
	}

	offset = n
	copied, err := io.Copy(dst, r)
	if err != nil {
		return 0, 0, err
	}
	return offset, copied, nil
}
