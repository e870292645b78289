package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/varmail/mstore/msio"
)

const mhSequencesFile = ".mh_sequences"

func (mb *Mailbox) sequencesPath() string {
	return filepath.Join(mb.Path, mhSequencesFile)
}

// mhSequences holds the three managed sequences from a .mh_sequences file.
// Sequences with other names are not represented here; rewrites copy their
// lines through verbatim.
type mhSequences struct {
	unseen  map[int]bool
	flagged map[int]bool
	replied map[int]bool
}

func newMHSequences() *mhSequences {
	return &mhSequences{
		unseen:  map[int]bool{},
		flagged: map[int]bool{},
		replied: map[int]bool{},
	}
}

// readSequences parses the sequences file. A missing file yields empty
// sequences. An invalid numeric token anywhere makes the whole file corrupt:
// guessing at flag state risks marking mail read that never was.
func (mb *Mailbox) readSequences() (*mhSequences, error) {
	seqs := newMHSequences()
	f, err := os.Open(mb.sequencesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return seqs, nil
		}
		return nil, fmt.Errorf("opening sequences file: %w", err)
	}
	defer func() {
		err := f.Close()
		mb.log.Check(err, "closing sequences file")
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1024*1024)
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		var dst map[int]bool
		switch strings.TrimSpace(name) {
		case mb.Policy.seqUnseen():
			dst = seqs.unseen
		case mb.Policy.seqFlagged():
			dst = seqs.flagged
		case mb.Policy.seqReplied():
			dst = seqs.replied
		default:
			continue
		}
		for _, tok := range strings.Fields(rest) {
			first, last, err := mhParseRange(tok)
			if err != nil {
				return nil, err
			}
			for n := first; n <= last; n++ {
				dst[n] = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading sequences file: %w", err)
	}
	return seqs, nil
}

// mhParseRange decodes a sequence token, a number or a dash range like
// "17-24".
func mhParseRange(tok string) (first, last int, err error) {
	lo, hi, dashed := strings.Cut(tok, "-")
	first, err = strconv.Atoi(lo)
	if err != nil || first <= 0 {
		return 0, 0, fmt.Errorf("%w: bad token %q", ErrCorruptSequences, tok)
	}
	last = first
	if dashed {
		last, err = strconv.Atoi(hi)
		if err != nil || last < first {
			return 0, 0, fmt.Errorf("%w: bad range %q", ErrCorruptSequences, tok)
		}
	}
	return first, last, nil
}

// applySequences projects the sequences file onto the flag bits of all
// records: absence from unseen means seen.
func (mb *Mailbox) applySequences() error {
	seqs, err := mb.readSequences()
	if err != nil {
		return err
	}
	for _, m := range mb.Msgs {
		n, err := mhKey(m.Base)
		if err != nil {
			return err
		}
		m.Flags.Seen = !seqs.unseen[n]
		m.Flags.Flagged = seqs.flagged[n]
		m.Flags.Replied = seqs.replied[n]
	}
	return nil
}

// mhFormatSeq renders one sequence line, coalescing adjacent numbers into
// dash ranges: "unseen: 1 3-5".
func mhFormatSeq(name string, set map[int]bool) string {
	nums := maps.Keys(set)
	sort.Ints(nums)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte(':')
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		if i == j {
			fmt.Fprintf(&b, " %d", nums[i])
		} else {
			fmt.Fprintf(&b, " %d-%d", nums[i], nums[j])
		}
		i = j + 1
	}
	b.WriteByte('\n')
	return b.String()
}

// rebuildSequences rewrites .mh_sequences from the current records. The three
// managed sequences are regenerated; every other line of the existing file is
// copied through untouched. The new file is written to an exclusive temp file
// in the mailbox directory and renamed into place.
func (mb *Mailbox) rebuildSequences() error {
	seqs := newMHSequences()
	for _, m := range mb.Msgs {
		if m.Deleted {
			continue
		}
		n, err := mhKey(m.Base)
		if err != nil {
			return err
		}
		if !m.Flags.Seen {
			seqs.unseen[n] = true
		}
		if m.Flags.Flagged {
			seqs.flagged[n] = true
		}
		if m.Flags.Replied {
			seqs.replied[n] = true
		}
	}

	return mb.replaceSequences(func(w *bufio.Writer, managed map[string]bool) error {
		for _, s := range []struct {
			name string
			set  map[int]bool
		}{
			{mb.Policy.seqUnseen(), seqs.unseen},
			{mb.Policy.seqFlagged(), seqs.flagged},
			{mb.Policy.seqReplied(), seqs.replied},
		} {
			if len(s.set) == 0 {
				continue
			}
			if _, err := w.WriteString(mhFormatSeq(s.name, s.set)); err != nil {
				return err
			}
		}
		return nil
	})
}

// addSequenceOne records a single newly committed message in .mh_sequences
// without regenerating the managed sequences: existing lines are streamed
// through with the new number appended where the flags call for it. This
// keeps delivery cheap in large mailboxes.
func (mb *Mailbox) addSequenceOne(n int, flags Flags) error {
	need := map[string]bool{}
	if !flags.Seen {
		need[mb.Policy.seqUnseen()] = true
	}
	if flags.Flagged {
		need[mb.Policy.seqFlagged()] = true
	}
	if flags.Replied {
		need[mb.Policy.seqReplied()] = true
	}

	return mb.replaceSequencesStream(func(name, line string, w *bufio.Writer) (bool, error) {
		if !need[name] {
			return false, nil
		}
		delete(need, name)
		_, err := fmt.Fprintf(w, "%s %d\n", line, n)
		return true, err
	}, func(w *bufio.Writer) error {
		for name := range need {
			if _, err := fmt.Fprintf(w, "%s: %d\n", name, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// replaceSequences rewrites the sequences file: unmanaged lines are copied
// verbatim, then emit writes the managed sequences.
func (mb *Mailbox) replaceSequences(emit func(w *bufio.Writer, managed map[string]bool) error) error {
	managed := map[string]bool{
		mb.Policy.seqUnseen():  true,
		mb.Policy.seqFlagged(): true,
		mb.Policy.seqReplied(): true,
	}
	return mb.replaceSequencesStream(func(name, line string, w *bufio.Writer) (bool, error) {
		// Drop managed lines, they are regenerated below.
		return managed[name], nil
	}, func(w *bufio.Writer) error {
		return emit(w, managed)
	})
}

// replaceSequencesStream streams the existing sequences file through handle
// (which may consume a line by returning true), calls tail for trailing
// output, and atomically replaces the file. The temp file lives in the
// mailbox directory itself so the final rename cannot cross filesystems.
func (mb *Mailbox) replaceSequencesStream(handle func(name, line string, w *bufio.Writer) (bool, error), tail func(w *bufio.Writer) error) error {
	tmpf, err := msio.CreateExclusive(mb.Path, mb.umask)
	if err != nil {
		return fmt.Errorf("creating temp sequences file: %w", err)
	}
	tmpName := tmpf.Name()
	defer func() {
		if tmpf != nil {
			err := tmpf.Close()
			mb.log.Check(err, "closing temp sequences file")
			err = os.Remove(tmpName)
			mb.log.Check(err, "removing temp sequences file")
		}
	}()
	w := bufio.NewWriter(tmpf)

	old, err := os.Open(mb.sequencesPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("opening sequences file: %w", err)
	}
	if old != nil {
		scanner := bufio.NewScanner(old)
		scanner.Buffer(nil, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			name, _, ok := strings.Cut(line, ":")
			var consumed bool
			if ok {
				consumed, err = handle(strings.TrimSpace(name), line, w)
				if err != nil {
					old.Close()
					return err
				}
			}
			if !consumed {
				if _, err := w.WriteString(line + "\n"); err != nil {
					old.Close()
					return err
				}
			}
		}
		serr := scanner.Err()
		err := old.Close()
		mb.log.Check(err, "closing sequences file")
		if serr != nil {
			return fmt.Errorf("reading sequences file: %w", serr)
		}
	}

	if err := tail(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing sequences file: %w", err)
	}
	if err := tmpf.Close(); err != nil {
		tmpf = nil
		xerr := os.Remove(tmpName)
		mb.log.Check(xerr, "removing temp sequences file")
		return fmt.Errorf("closing temp sequences file: %w", err)
	}
	tmpf = nil
	if err := os.Rename(tmpName, mb.sequencesPath()); err != nil {
		xerr := os.Remove(tmpName)
		mb.log.Check(xerr, "removing temp sequences file")
		return fmt.Errorf("replacing sequences file: %w", err)
	}
	return nil
}

// Stats summarizes a mailbox without opening it fully.
type Stats struct {
	Messages int
	Unseen   int
	Flagged  int
	NewMail  bool
}

// CheckStats counts messages and interesting flags cheaply. For maildir the
// filenames say everything; for MH the sequences file does, at the price of
// one directory read for the total. With CheckRecent, an MH sequences file
// untouched since the last visit means no new-mail signal regardless of
// unseen entries.
func (mb *Mailbox) CheckStats() (Stats, error) {
	var stats Stats
	switch mb.Kind {
	case KindMaildir:
		for _, sub := range []string{"new", "cur"} {
			entries, err := os.ReadDir(filepath.Join(mb.Path, sub))
			if err != nil {
				return stats, fmt.Errorf("reading %s: %w", sub, err)
			}
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() || strings.HasPrefix(name, ".") {
					continue
				}
				stats.Messages++
				flags, _, _ := maildirParseFlags(name, mb.Policy.PreserveFlagged)
				if !flags.Seen {
					stats.Unseen++
					if sub == "new" {
						stats.NewMail = true
					}
				}
				if flags.Flagged {
					stats.Flagged++
				}
			}
		}
	case KindMH:
		seqs, err := mb.readSequences()
		if err != nil {
			return stats, err
		}
		entries, err := os.ReadDir(mb.Path)
		if err != nil {
			return stats, fmt.Errorf("reading mailbox: %w", err)
		}
		present := map[int]bool{}
		for _, e := range entries {
			if n, err := mhKey(e.Name()); err == nil {
				present[n] = true
				stats.Messages++
			}
		}
		for n := range seqs.unseen {
			if present[n] {
				stats.Unseen++
			}
		}
		for n := range seqs.flagged {
			if present[n] {
				stats.Flagged++
			}
		}
		stats.NewMail = stats.Unseen > 0
		if mb.Policy.CheckRecent {
			st, err := os.Stat(mb.sequencesPath())
			if err != nil || !st.ModTime().After(mb.lastVisit) {
				stats.NewMail = false
			}
		}
	}
	return stats, nil
}
