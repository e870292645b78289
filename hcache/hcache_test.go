package hcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestMemory(t *testing.T) {
	h, err := Open("", "/mail/inbox", nil)
	tcheck(t, err, "opening memory cache")
	defer h.Close()
	testHandle(t, h)
}

func TestPerFolder(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir+string(os.PathSeparator), "/mail/inbox", nil)
	tcheck(t, err, "opening per-folder cache")
	testHandle(t, h)
	err = h.Close()
	tcheck(t, err, "closing cache")

	// One database file appeared, named by folder digest.
	entries, err := os.ReadDir(dir)
	tcheck(t, err, "reading cache dir")
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".db" {
		t.Fatalf("unexpected cache dir contents: %v", entries)
	}

	// A different folder gets a different file.
	h2, err := Open(dir+string(os.PathSeparator), "/mail/archive", nil)
	tcheck(t, err, "opening cache for second folder")
	err = h2.Close()
	tcheck(t, err, "closing cache")
	entries, err = os.ReadDir(dir)
	tcheck(t, err, "reading cache dir")
	if len(entries) != 2 {
		t.Fatalf("expected two database files, got %v", entries)
	}
}

func TestShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hcache.db")
	h, err := Open(path, "/mail/inbox", nil)
	tcheck(t, err, "opening shared cache")
	testHandle(t, h)

	// Another folder in the same file: same key, separate entries.
	h2, err2 := Open(path, "/mail/archive", nil)
	if err2 == nil {
		// Some engines lock the file exclusively; only verify isolation when
		// sharing is possible.
		err = h2.StoreRaw("k", []byte("other"))
		tcheck(t, err, "storing in second folder")
		if _, err := h.FetchRaw("k"); err != ErrAbsent {
			t.Fatalf("folder prefix not isolating keys: %v", err)
		}
		err = h2.Close()
		tcheck(t, err, "closing second handle")
	}
	err = h.Close()
	tcheck(t, err, "closing cache")
}

func TestNamer(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir+string(os.PathSeparator), "/mail/inbox", func(folder string) string {
		return "inbox.db"
	})
	tcheck(t, err, "opening cache with namer")
	err = h.Close()
	tcheck(t, err, "closing cache")
	if _, err := os.Stat(filepath.Join(dir, "inbox.db")); err != nil {
		t.Fatalf("named database missing: %v", err)
	}
}

func testHandle(t *testing.T, h *Handle) {
	t.Helper()

	if _, _, err := h.Fetch("absent"); err != ErrAbsent {
		t.Fatalf("got %v, expected absent", err)
	}

	validity := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	err := h.Store("msg1", []byte("payload"), validity)
	tcheck(t, err, "storing entry")
	buf, v, err := h.Fetch("msg1")
	tcheck(t, err, "fetching entry")
	if string(buf) != "payload" {
		t.Fatalf("got payload %q", buf)
	}
	if !v.Equal(validity) {
		t.Fatalf("got validity %v, expected %v", v, validity)
	}

	// Zero validity means now.
	before := time.Now().Add(-time.Second)
	err = h.Store("msg2", []byte("x"), time.Time{})
	tcheck(t, err, "storing entry")
	_, v, err = h.Fetch("msg2")
	tcheck(t, err, "fetching entry")
	if v.Before(before) {
		t.Fatalf("zero validity stored as %v", v)
	}

	// Raw entries carry no validity prefix.
	err = h.StoreRaw("/UIDVALIDITY", []byte("12345"))
	tcheck(t, err, "storing raw")
	raw, err := h.FetchRaw("/UIDVALIDITY")
	tcheck(t, err, "fetching raw")
	if string(raw) != "12345" {
		t.Fatalf("got raw %q", raw)
	}

	err = h.Delete("msg1")
	tcheck(t, err, "deleting entry")
	if _, _, err := h.Fetch("msg1"); err != ErrAbsent {
		t.Fatalf("got %v after delete, expected absent", err)
	}
	// Deleting again is fine.
	err = h.Delete("msg1")
	tcheck(t, err, "deleting absent entry")
}
