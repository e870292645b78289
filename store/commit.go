package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/varmail/mstore/mlog"
	"github.com/varmail/mstore/msio"
)

// Outgoing is a message being written to the mailbox. It starts life as an
// exclusively created temp file (in tmp/ for maildir, in the mailbox
// directory for MH) and only becomes visible to other agents on Commit.
type Outgoing struct {
	Flags     Flags
	UserFlags string

	// When non-zero, Commit sets the file mtime to this, so delivery agents
	// can carry the original receive time through.
	Received time.Time

	f    *os.File
	path string
	mb   *Mailbox

	// Final location after a successful commit.
	committedBase   string
	committedSubdir string
}

// Write appends message data.
func (o *Outgoing) Write(p []byte) (int, error) {
	return o.f.Write(p)
}

// Cancel abandons the message, removing the temp file. Also valid after a
// failed or aborted commit.
func (o *Outgoing) Cancel() {
	if o.path == "" {
		return
	}
	if o.f != nil {
		err := o.f.Close()
		o.mb.log.Check(err, "closing canceled message")
		o.f = nil
	}
	err := os.Remove(o.path)
	o.mb.log.Check(err, "removing canceled message")
	o.path = ""
}

// MsgOpenNew starts a new message with the given flags. Write the contents,
// then MsgCommit or Cancel.
func (mb *Mailbox) MsgOpenNew(flags Flags, userFlags string) (*Outgoing, error) {
	dir := mb.Path
	if mb.Kind == KindMaildir {
		dir = filepath.Join(mb.Path, "tmp")
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, fmt.Errorf("ensuring tmp directory: %w", err)
		}
	}
	f, err := msio.CreateExclusive(dir, mb.umask)
	if err != nil {
		return nil, err
	}
	return &Outgoing{Flags: flags, UserFlags: userFlags, f: f, path: f.Name(), mb: mb}, nil
}

// MsgCommit makes an outgoing message part of the mailbox: fsync, then link
// it into place under its final name, retrying on collisions. The returned
// key is the canonical key of the committed message. On failure, including a
// canceled context, the message does not become visible and the temp file
// stays behind for the caller to Cancel.
func (mb *Mailbox) MsgCommit(ctx context.Context, o *Outgoing) (string, error) {
	if o.f == nil {
		return "", fmt.Errorf("message already committed or canceled")
	}
	if err := o.f.Sync(); err != nil {
		return "", fmt.Errorf("sync message file: %w", err)
	}
	if err := o.f.Close(); err != nil {
		o.f = nil
		return "", fmt.Errorf("close message file: %w", err)
	}
	o.f = nil

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: committing message: %v", ErrAborted, err)
	}

	var key string
	var err error
	switch mb.Kind {
	case KindMaildir:
		key, err = mb.commitMaildir(o)
	case KindMH:
		key, err = mb.commitMH(o)
	}
	if err != nil {
		return "", err
	}
	o.path = ""
	return key, nil
}

// commitMaildir picks the final name (unique part, then the flag suffix) and
// subdirectory: messages already seen or old go straight to cur/, the rest to
// new/. Name collisions draw a fresh unique part.
func (mb *Mailbox) commitMaildir(o *Outgoing) (string, error) {
	subdir := "new"
	if o.Flags.Seen || o.Flags.Old {
		subdir = "cur"
	}
	suffix := maildirFlagSuffix(o.Flags, o.UserFlags, o.Flags.Trashed)
	for {
		unique := msio.UniqueName()
		target := filepath.Join(mb.Path, subdir, unique+suffix)
		err := safeRename(o.path, target)
		if err == nil {
			o.committedBase, o.committedSubdir = unique+suffix, subdir
			mb.finishCommit(target, subdir, o)
			return unique, nil
		}
		if !errors.Is(err, ErrCollision) {
			return "", fmt.Errorf("linking message into %s: %w", subdir, err)
		}
		metricCommitRetries.Inc()
	}
}

// commitMH scans for the highest message number in use, tombstones included,
// and claims the next one. A concurrent deliverer claiming the same number
// loses the link race and we move one up.
func (mb *Mailbox) commitMH(o *Outgoing) (string, error) {
	hi, err := mb.mhHighest()
	if err != nil {
		return "", err
	}
	for {
		if hi >= math.MaxInt32 {
			return "", fmt.Errorf("%w: no number above %d", ErrOutOfRange, hi)
		}
		hi++
		target := filepath.Join(mb.Path, strconv.Itoa(hi))
		err := safeRename(o.path, target)
		if err == nil {
			o.committedBase = strconv.Itoa(hi)
			mb.finishCommit(target, "", o)
			if err := mb.addSequenceOne(hi, o.Flags); err != nil {
				mb.log.Errorx("updating sequences for new message", err, mlog.Field("n", hi))
			}
			return strconv.Itoa(hi), nil
		}
		if !errors.Is(err, ErrCollision) {
			return "", fmt.Errorf("linking message %d into place: %w", hi, err)
		}
		metricCommitRetries.Inc()
	}
}

// mhHighest returns the highest message number present, counting tombstones
// so a purged number is not immediately reused.
func (mb *Mailbox) mhHighest() (int, error) {
	entries, err := os.ReadDir(mb.Path)
	if err != nil {
		return 0, fmt.Errorf("reading mailbox: %w", err)
	}
	hi := 0
	for _, e := range entries {
		name := e.Name()
		if len(name) > 1 && name[0] == ',' {
			name = name[1:]
		}
		if n, err := strconv.Atoi(name); err == nil && n > hi {
			hi = n
		}
	}
	return hi, nil
}

// finishCommit applies the receive time and makes the new directory entry
// durable.
func (mb *Mailbox) finishCommit(target, subdir string, o *Outgoing) {
	if !o.Received.IsZero() {
		err := os.Chtimes(target, o.Received, o.Received)
		mb.log.Check(err, "setting message times", mlog.Field("path", target))
	}
	err := msio.SyncDir(filepath.Join(mb.Path, subdir))
	mb.log.Check(err, "sync mailbox directory")
}

// safeRename moves src to dst without ever replacing an existing dst: link
// then unlink, so a name collision surfaces as an error instead of silently
// overwriting another process's message. Filesystems without hard links fall
// back to a plain rename.
func safeRename(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("removing link source: %w", err)
		}
		return nil
	}
	if os.IsExist(err) {
		return fmt.Errorf("%w: %s exists", ErrCollision, dst)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOSYS, syscall.EPERM, syscall.EOPNOTSUPP:
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("renaming message: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("linking message: %w", err)
}
