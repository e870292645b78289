package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckResult is a bitmask describing what an external check found.
type CheckResult uint

const (
	// Messages appeared that we had no record for.
	CheckNewMail CheckResult = 1 << iota
	// Known messages disappeared from disk; their records are deactivated.
	CheckReopened
	// Flags of known messages changed on disk and were absorbed.
	CheckFlagsChanged
)

func (r CheckResult) String() string {
	if r == 0 {
		return "unchanged"
	}
	var s string
	add := func(v CheckResult, name string) {
		if r&v != 0 {
			if s != "" {
				s += "+"
			}
			s += name
		}
	}
	add(CheckNewMail, "newmail")
	add(CheckReopened, "reopened")
	add(CheckFlagsChanged, "flags")
	return s
}

// Check detects modification of the mailbox by other processes. Directory
// mtimes are compared against the values recorded at the last open or check;
// only when they moved is the directory re-enumerated and diffed against the
// known records by canonical key. Pending local changes always win over disk
// state for the same message.
func (mb *Mailbox) Check(ctx context.Context) (CheckResult, error) {
	if !mb.Policy.CheckNew {
		return 0, nil
	}

	changed, t1, t2, err := mb.statChanged()
	if err != nil {
		return 0, err
	}
	if !changed {
		return 0, nil
	}

	// Record the observed mtimes right away, unless an external monitor told
	// us about this change: then keep the old values so a write racing this
	// check is picked up next time.
	if mb.ExternalNotified {
		mb.ExternalNotified = false
	} else {
		mb.mtime, mb.mtime2 = t1, t2
	}

	transient, err := mb.enumerate(ctx)
	if err != nil {
		return 0, err
	}
	byKey := make(map[string]*Message, len(transient))
	for _, t := range transient {
		byKey[t.Key] = t
	}

	var res CheckResult
	for _, m := range mb.Msgs {
		if m.removed {
			continue
		}
		t, ok := byKey[m.Key]
		if !ok {
			// Gone from disk, kept out of view until close. Report only
			// the transition, not every check while it stays missing.
			if m.Active {
				m.Active = false
				res |= CheckReopened
			}
			continue
		}
		delete(byKey, m.Key)
		m.Active = true
		if t.Base != m.Base || t.Subdir != m.Subdir {
			m.Base = t.Base
			m.Subdir = t.Subdir
			m.Flags.Old = t.Flags.Old
		}
		if m.Changed {
			continue
		}
		if mb.absorbFlags(m, t) {
			res |= CheckFlagsChanged
		}
	}

	// Whatever was not claimed by an existing record is new mail. Only the
	// new records go through the parse pass.
	var appended []*Message
	for _, t := range transient {
		if byKey[t.Key] == t {
			mb.Msgs = append(mb.Msgs, t)
			appended = append(appended, t)
		}
	}
	mb.byKey = nil
	if len(appended) > 0 {
		res |= CheckNewMail
		if err := mb.parsePass(ctx, appended); err != nil {
			return res, err
		}
	}

	mb.lastVisit = time.Now()
	return res, nil
}

// statChanged compares the on-disk mtimes with the recorded ones, returning
// the observed times. Equal timestamps are not newer. For MH a missing
// sequences file is created empty first, so its mtime exists to compare
// against and other agents see a valid mailbox.
func (mb *Mailbox) statChanged() (bool, time.Time, time.Time, error) {
	var t1, t2 time.Time
	switch mb.Kind {
	case KindMaildir:
		stNew, err := os.Stat(filepath.Join(mb.Path, "new"))
		if err != nil {
			return false, t1, t2, fmt.Errorf("stat new: %w", err)
		}
		stCur, err := os.Stat(filepath.Join(mb.Path, "cur"))
		if err != nil {
			return false, t1, t2, fmt.Errorf("stat cur: %w", err)
		}
		t1, t2 = stNew.ModTime(), stCur.ModTime()
	case KindMH:
		st, err := os.Stat(mb.Path)
		if err != nil {
			return false, t1, t2, fmt.Errorf("stat mailbox: %w", err)
		}
		seqSt, err := os.Stat(mb.sequencesPath())
		if os.IsNotExist(err) {
			if err := mb.createSequences(); err != nil {
				return false, t1, t2, err
			}
			seqSt, err = os.Stat(mb.sequencesPath())
		}
		if err != nil {
			return false, t1, t2, fmt.Errorf("stat sequences file: %w", err)
		}
		t1, t2 = st.ModTime(), seqSt.ModTime()
	}
	return t1.After(mb.mtime) || t2.After(mb.mtime2), t1, t2, nil
}

func (mb *Mailbox) createSequences() error {
	f, err := os.OpenFile(mb.sequencesPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(0666&^mb.umask))
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("creating sequences file: %w", err)
	}
	return f.Close()
}

// enumerate runs the first scan pass into fresh records, without touching
// mb.Msgs, and for MH projects the sequences file onto them.
func (mb *Mailbox) enumerate(ctx context.Context) ([]*Message, error) {
	var transient []*Message
	var err error
	switch mb.Kind {
	case KindMaildir:
		for _, sub := range []string{"new", "cur"} {
			transient, err = mb.scanDir(ctx, transient, sub)
			if err != nil {
				return nil, err
			}
		}
	case KindMH:
		transient, err = mb.scanDir(ctx, transient, "")
		if err != nil {
			return nil, err
		}
		seqs, err := mb.readSequences()
		if err != nil {
			return nil, err
		}
		for _, t := range transient {
			n, err := mhKey(t.Base)
			if err != nil {
				return nil, err
			}
			t.Flags.Seen = !seqs.unseen[n]
			t.Flags.Flagged = seqs.flagged[n]
			t.Flags.Replied = seqs.replied[n]
		}
	}
	return transient, nil
}

// absorbFlags copies disk flag state into a record without local changes,
// reporting whether anything differed.
func (mb *Mailbox) absorbFlags(m, t *Message) bool {
	differ := m.Flags.Seen != t.Flags.Seen ||
		m.Flags.Flagged != t.Flags.Flagged ||
		m.Flags.Replied != t.Flags.Replied ||
		m.Flags.Trashed != t.Flags.Trashed ||
		m.UserFlags != t.UserFlags
	if !differ {
		return false
	}
	m.Flags.Seen = t.Flags.Seen
	m.Flags.Flagged = t.Flags.Flagged
	m.Flags.Replied = t.Flags.Replied
	m.Flags.Trashed = t.Flags.Trashed
	m.UserFlags = t.UserFlags
	m.Deleted = t.Deleted
	return true
}
