package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMHOpen(t *testing.T) {
	dir := newMH(t, "unseen: 2\nflagged: 1\npseq: 1-3\n")
	for _, name := range []string{"1", "2", "3"} {
		writeFile(t, filepath.Join(dir, name), testMsg)
	}
	// Non-messages: tombstone, dotfile, non-numeric, zero.
	writeFile(t, filepath.Join(dir, ",4"), testMsg)
	writeFile(t, filepath.Join(dir, "notes"), "not a message")
	writeFile(t, filepath.Join(dir, "0"), testMsg)

	mb := topen(t, dir)
	defer mb.Close()
	if mb.Kind != KindMH {
		t.Fatalf("got kind %v", mb.Kind)
	}
	if len(mb.Msgs) != 3 {
		t.Fatalf("got %d messages, expected 3", len(mb.Msgs))
	}
	m1, m2 := mb.MsgByKey("1"), mb.MsgByKey("2")
	if !m1.Flags.Seen || !m1.Flags.Flagged {
		t.Fatalf("bad flags for 1: %+v", m1.Flags)
	}
	if m2.Flags.Seen || m2.Flags.Flagged {
		t.Fatalf("bad flags for 2: %+v", m2.Flags)
	}
	if !m1.Parsed || m1.Envelope.Subject != "hello" {
		t.Fatalf("headers not parsed: %+v", m1)
	}
}

func TestMHKey(t *testing.T) {
	for _, name := range []string{"0", "-1", ",17", ".mh_sequences", "abc", "1x", ""} {
		if _, err := mhKey(name); err == nil {
			t.Fatalf("%q accepted as mh message", name)
		}
	}
	n, err := mhKey("17")
	tcheck(t, err, "valid name")
	if n != 17 {
		t.Fatalf("got %d", n)
	}
}

func TestMHSequencesCorrupt(t *testing.T) {
	dir := newMH(t, "unseen: 1 bogus\n")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	_, err := Open(ctxbg, mlogTest(), dir, DefaultPolicy())
	if !errors.Is(err, ErrCorruptSequences) {
		t.Fatalf("got %v, expected corrupt sequences", err)
	}
}

func TestMHDeleteTombstone(t *testing.T) {
	dir := newMH(t, "unseen: 1-2\npseq: 1 2\n")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	writeFile(t, filepath.Join(dir, "2"), testMsg)

	mb := topen(t, dir)
	defer mb.Close()
	mb.MsgByKey("2").Deleted = true
	err := mb.Sync(ctxbg)
	tcheck(t, err, "syncing")

	if _, err := os.Stat(filepath.Join(dir, "2")); !os.IsNotExist(err) {
		t.Fatalf("deleted message still present, stat %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ",2")); err != nil {
		t.Fatalf("tombstone missing: %v", err)
	}

	// The managed sequences shrank, the unknown one is untouched.
	buf, err := os.ReadFile(filepath.Join(dir, ".mh_sequences"))
	tcheck(t, err, "reading sequences")
	s := string(buf)
	if !strings.Contains(s, "pseq: 1 2\n") {
		t.Fatalf("unknown sequence lost:\n%s", s)
	}
	if !strings.Contains(s, "unseen: 1\n") || strings.Contains(s, "unseen: 1-2") {
		t.Fatalf("unseen sequence not rebuilt:\n%s", s)
	}
}

func TestMHDeletePurge(t *testing.T) {
	dir := newMH(t, "")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	pol := DefaultPolicy()
	pol.MHPurge = true
	mb := topenPolicy(t, dir, pol)
	defer mb.Close()
	mb.MsgByKey("1").Deleted = true
	err := mb.Sync(ctxbg)
	tcheck(t, err, "syncing")
	if _, err := os.Stat(filepath.Join(dir, "1")); !os.IsNotExist(err) {
		t.Fatalf("purged message still present, stat %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ",1")); !os.IsNotExist(err) {
		t.Fatalf("purge left a tombstone, stat %v", err)
	}
}

func TestMHCommit(t *testing.T) {
	dir := newMH(t, "")
	writeFile(t, filepath.Join(dir, "3"), testMsg)
	// A tombstone also claims its number.
	writeFile(t, filepath.Join(dir, ",9"), testMsg)

	mb := topen(t, dir)
	defer mb.Close()
	o, err := mb.MsgOpenNew(Flags{}, "")
	tcheck(t, err, "new message")
	_, err = io.WriteString(o, testMsg)
	tcheck(t, err, "writing message")
	key, err := mb.MsgCommit(ctxbg, o)
	tcheck(t, err, "committing")
	if key != "10" {
		t.Fatalf("got key %q, expected 10", key)
	}
	if _, err := os.Stat(filepath.Join(dir, "10")); err != nil {
		t.Fatalf("committed message missing: %v", err)
	}

	// The unseen sequence was extended through the append fast path.
	buf, err := os.ReadFile(filepath.Join(dir, ".mh_sequences"))
	tcheck(t, err, "reading sequences")
	if !strings.Contains(string(buf), "unseen: 10\n") {
		t.Fatalf("new message not in unseen sequence:\n%s", buf)
	}
}

func TestMHSequenceAppend(t *testing.T) {
	dir := newMH(t, "unseen: 3\npseq: 1\n")
	writeFile(t, filepath.Join(dir, "3"), testMsg)
	mb := topen(t, dir)
	defer mb.Close()

	err := mb.addSequenceOne(4, Flags{Flagged: true})
	tcheck(t, err, "appending to sequences")
	buf, err := os.ReadFile(filepath.Join(dir, ".mh_sequences"))
	tcheck(t, err, "reading sequences")
	s := string(buf)
	if !strings.Contains(s, "unseen: 3 4\n") {
		t.Fatalf("unseen line not extended:\n%s", s)
	}
	if !strings.Contains(s, "flagged: 4\n") {
		t.Fatalf("flagged line not added:\n%s", s)
	}
	if !strings.Contains(s, "pseq: 1\n") {
		t.Fatalf("unknown sequence lost:\n%s", s)
	}
}

func TestMHFlagSync(t *testing.T) {
	dir := newMH(t, "unseen: 1\n")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	mb := topen(t, dir)
	defer mb.Close()

	m := mb.MsgByKey("1")
	m.Flags.Seen = true
	m.Flags.Replied = true
	m.Changed = true
	err := mb.Sync(ctxbg)
	tcheck(t, err, "syncing")

	// The file itself is untouched, only the sequences change.
	buf, err := os.ReadFile(filepath.Join(dir, ".mh_sequences"))
	tcheck(t, err, "reading sequences")
	s := string(buf)
	if strings.Contains(s, "unseen") {
		t.Fatalf("message still unseen:\n%s", s)
	}
	if !strings.Contains(s, "replied: 1\n") {
		t.Fatalf("replied sequence missing:\n%s", s)
	}
}

func TestMHFlagSyncRetry(t *testing.T) {
	dir := newMH(t, "unseen: 1\n")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	mb := topen(t, dir)
	defer mb.Close()

	m := mb.MsgByKey("1")
	m.Flags.Seen = true
	m.Changed = true

	// Make the sequences rebuild fail by putting a directory in its place.
	seqPath := filepath.Join(dir, ".mh_sequences")
	err := os.Remove(seqPath)
	tcheck(t, err, "removing sequences file")
	err = os.Mkdir(seqPath, 0700)
	tcheck(t, err, "blocking sequences file")
	if err := mb.Sync(ctxbg); err == nil {
		t.Fatalf("sync succeeded with sequences file blocked")
	}
	if !m.Changed {
		t.Fatalf("flag change cleared by failed sync")
	}

	// The change is still pending and the rerun writes it.
	err = os.Remove(seqPath)
	tcheck(t, err, "unblocking sequences file")
	err = mb.Sync(ctxbg)
	tcheck(t, err, "syncing again")
	buf, err := os.ReadFile(seqPath)
	tcheck(t, err, "reading sequences")
	if strings.Contains(string(buf), "unseen") {
		t.Fatalf("seen flag lost after failed sync:\n%s", buf)
	}
}

func TestMHRangeFormat(t *testing.T) {
	line := mhFormatSeq("unseen", map[int]bool{1: true, 2: true, 3: true, 7: true, 9: true, 10: true})
	if line != "unseen: 1-3 7 9-10\n" {
		t.Fatalf("got %q", line)
	}
}

func TestMHLabelRewriteKeepsNumber(t *testing.T) {
	dir := newMH(t, "")
	writeFile(t, filepath.Join(dir, "5"), testMsg)
	mb := topen(t, dir)
	defer mb.Close()

	m := mb.MsgByKey("5")
	m.Envelope.Label = "todo"
	m.Envelope.Changed = true
	err := mb.Sync(ctxbg)
	tcheck(t, err, "syncing")
	if m.Key != "5" || m.Base != "5" {
		t.Fatalf("message number changed: %+v", m)
	}
	buf, err := os.ReadFile(filepath.Join(dir, "5"))
	tcheck(t, err, "reading rewritten message")
	if !strings.Contains(string(buf), "X-Label: todo\n") || !strings.HasSuffix(string(buf), "the body\n") {
		t.Fatalf("rewrite damaged message:\n%s", buf)
	}
}

func TestMHCheck(t *testing.T) {
	dir := newMH(t, "unseen: 1\n")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	mb := topen(t, dir)
	defer mb.Close()

	res, err := mb.Check(ctxbg)
	tcheck(t, err, "checking")
	if res != 0 {
		t.Fatalf("got %v, expected unchanged", res)
	}

	// External delivery plus an external flag change via the sequences file.
	writeFile(t, filepath.Join(dir, "2"), testMsg)
	writeFile(t, filepath.Join(dir, ".mh_sequences"), "unseen: 2\n")
	mb.mtime = mb.mtime.Add(-time.Second)
	mb.mtime2 = mb.mtime2.Add(-time.Second)
	res, err = mb.Check(ctxbg)
	tcheck(t, err, "checking")
	if res&CheckNewMail == 0 || res&CheckFlagsChanged == 0 {
		t.Fatalf("got %v, expected new mail and changed flags", res)
	}
	if m := mb.MsgByKey("1"); !m.Flags.Seen {
		t.Fatalf("external seen flag not absorbed: %+v", m.Flags)
	}
	if m := mb.MsgByKey("2"); m == nil || m.Flags.Seen || !m.Parsed {
		t.Fatalf("new message not picked up: %+v", m)
	}
}

func TestMHStats(t *testing.T) {
	dir := newMH(t, "unseen: 1 5\nflagged: 2\n")
	writeFile(t, filepath.Join(dir, "1"), testMsg)
	writeFile(t, filepath.Join(dir, "2"), testMsg)
	mb := topen(t, dir)
	defer mb.Close()

	stats, err := mb.CheckStats()
	tcheck(t, err, "stats")
	// The 5 in unseen has no file, it does not count.
	if stats.Messages != 2 || stats.Unseen != 1 || stats.Flagged != 1 || !stats.NewMail {
		t.Fatalf("bad stats %+v", stats)
	}

	// With recent checking, an untouched sequences file means no new mail.
	pol := DefaultPolicy()
	pol.CheckRecent = true
	mb2 := topenPolicy(t, dir, pol)
	defer mb2.Close()
	stats, err = mb2.CheckStats()
	tcheck(t, err, "stats with recent")
	if stats.NewMail {
		t.Fatalf("new mail reported for untouched sequences file")
	}
}
