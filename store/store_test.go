package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/varmail/mstore/mlog"
)

var ctxbg = context.Background()

func mlogTest() *mlog.Log {
	return mlog.New("test")
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

const testMsg = "From: mjl <mjl@example.org>\nTo: other <other@example.org>\nSubject: hello\nMessage-ID: <test1@example.org>\n\nthe body\n"

func newMaildir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"tmp", "new", "cur"} {
		err := os.Mkdir(filepath.Join(dir, sub), 0755)
		tcheck(t, err, "creating maildir")
	}
	return dir
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	err := os.WriteFile(path, []byte(data), 0644)
	tcheck(t, err, "writing file")
}

func newMH(t *testing.T, seqs string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".mh_sequences"), seqs)
	return dir
}

func topen(t *testing.T, dir string) *Mailbox {
	t.Helper()
	mb, err := Open(ctxbg, mlog.New("test"), dir, DefaultPolicy())
	tcheck(t, err, "opening mailbox")
	return mb
}

func topenPolicy(t *testing.T, dir string, pol Policy) *Mailbox {
	t.Helper()
	mb, err := Open(ctxbg, mlog.New("test"), dir, pol)
	tcheck(t, err, "opening mailbox")
	return mb
}
