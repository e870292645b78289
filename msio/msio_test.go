package msio

import (
	"os"
	"strings"
	"sync"
	"testing"
)

func TestUniqueName(t *testing.T) {
	a, b := UniqueName(), UniqueName()
	if a == b {
		t.Fatalf("two unique names equal: %s", a)
	}
	if strings.ContainsAny(a, "/:") {
		t.Fatalf("unique name %q contains separator characters", a)
	}
}

func TestUniqueNameConcurrent(t *testing.T) {
	// Several mailboxes can deliver at the same time; run with -race.
	const goroutines = 4
	const per = 100
	names := make([][]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < per; j++ {
				names[i] = append(names[i], UniqueName())
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, l := range names {
		for _, name := range l {
			if seen[name] {
				t.Fatalf("duplicate unique name %s", name)
			}
			seen[name] = true
		}
	}
}

func TestCreateExclusive(t *testing.T) {
	dir := t.TempDir()
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		f, err := CreateExclusive(dir, 0)
		if err != nil {
			t.Fatalf("creating file: %s", err)
		}
		name := f.Name()
		if seen[name] {
			t.Fatalf("duplicate file %s", name)
		}
		seen[name] = true
		if err := f.Close(); err != nil {
			t.Fatalf("closing file: %s", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %s", err)
	}
	if len(entries) != 10 {
		t.Fatalf("got %d files, expected 10", len(entries))
	}
}

func TestDirUmask(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0700); err != nil {
		t.Fatalf("chmod: %s", err)
	}
	mask, err := DirUmask(dir)
	if err != nil {
		t.Fatalf("dir umask: %s", err)
	}
	if mask != 0077 {
		t.Fatalf("got umask %o, expected 0077", mask)
	}
}
