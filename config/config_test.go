package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mstore.conf")
	data := `LogLevel: debug
HeaderCache:
	Path: /var/cache/mstore/
	Verify: true
Maildir:
	Trash: true
MH:
	SeqUnseen: new
Check:
	New: true
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("writing config: %s", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %s", err)
	}
	pol := c.Policy()
	if !pol.MaildirTrash || pol.HeaderCachePath != "/var/cache/mstore/" || !pol.HeaderCacheVerify {
		t.Fatalf("bad policy %+v", pol)
	}
	if pol.SeqUnseen != "new" {
		t.Fatalf("got unseen sequence %q", pol.SeqUnseen)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("got log level %q", c.LogLevel)
	}
}

func TestDescribe(t *testing.T) {
	var b strings.Builder
	if err := Describe(&b); err != nil {
		t.Fatalf("describing config: %s", err)
	}
	if !strings.Contains(b.String(), "HeaderCache:") {
		t.Fatalf("example config incomplete:\n%s", b.String())
	}
}
