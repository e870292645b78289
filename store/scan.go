package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/varmail/mstore/message"
	"github.com/varmail/mstore/mlog"
)

// scan enumerates the mailbox in two passes: a cheap directory walk that
// creates records with flags decoded, then a parse pass over the records in
// inode order that fills in headers from the cache or the files.
func (mb *Mailbox) scan(ctx context.Context) error {
	mb.Msgs = nil
	mb.byKey = nil

	var records []*Message
	var err error
	switch mb.Kind {
	case KindMaildir:
		for _, sub := range []string{"new", "cur"} {
			records, err = mb.scanDir(ctx, records, sub)
			if err != nil {
				return err
			}
		}
	case KindMH:
		records, err = mb.scanDir(ctx, records, "")
		if err != nil {
			return err
		}
	}

	// A later file with the same key wins, like the record that would
	// overwrite its predecessor in a keyed table.
	seen := make(map[string]int, len(records))
	mb.Msgs = records[:0]
	for _, m := range records {
		if i, ok := seen[m.Key]; ok {
			mb.log.Info("duplicate message key, keeping last", mlog.Field("key", m.Key), mlog.Field("mailbox", mb.Path))
			mb.Msgs[i] = m
			continue
		}
		seen[m.Key] = len(mb.Msgs)
		mb.Msgs = append(mb.Msgs, m)
	}

	return mb.parsePass(ctx, mb.Msgs)
}

// scanDir is the first pass over one directory: skip non-messages, decode
// flags from the name, record the inode. No file contents are read.
func (mb *Mailbox) scanDir(ctx context.Context, records []*Message, subdir string) ([]*Message, error) {
	dir := filepath.Join(mb.Path, subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %v", ErrAborted, dir, err)
		}
		name := e.Name()
		if e.IsDir() {
			continue
		}

		m := &Message{Base: name, Subdir: subdir, Active: true}
		switch mb.Kind {
		case KindMaildir:
			if strings.HasPrefix(name, ".") {
				continue
			}
			m.Key = maildirKey(name)
			if m.Key == "" {
				mb.log.Debug("skipping maildir entry without a name before the flag separator", mlog.Field("name", name))
				continue
			}
			m.Flags, m.UserFlags, m.Deleted = maildirParseFlags(name, mb.Policy.PreserveFlagged)
			m.Flags.Old = subdir == "cur"
		case KindMH:
			if _, err := mhKey(name); err != nil {
				continue
			}
			m.Key = name
		}
		if fi, err := e.Info(); err == nil {
			m.Inode = inodeOf(fi)
		}
		records = append(records, m)
		metricScanned.WithLabelValues(mb.Kind.String()).Inc()
	}
	return records, nil
}

// parsePass fills in headers for records that do not have them yet. Records
// are visited in inode order so cold-cache reads walk the disk mostly
// sequentially; the order of mb.Msgs itself is not changed.
func (mb *Mailbox) parsePass(ctx context.Context, records []*Message) error {
	todo := make([]*Message, 0, len(records))
	for _, m := range records {
		if !m.Parsed {
			todo = append(todo, m)
		}
	}
	sort.SliceStable(todo, func(i, j int) bool { return todo[i].Inode < todo[j].Inode })

	for _, m := range todo {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: parsing headers: %v", ErrAborted, err)
		}
		mb.parseOne(m)
	}
	return nil
}

// parseOne resolves the headers of one record, preferring the cache. Parse
// and I/O errors are logged and leave the record visible without an
// envelope, matching what a reader sees for an unparsable file.
func (mb *Mailbox) parseOne(m *Message) {
	if mb.cacheFetch(m) {
		metricParsed.WithLabelValues("cache").Inc()
		return
	}

	p := m.path(mb.Path)
	f, err := os.Open(p)
	if err != nil {
		mb.log.Infox("opening message for header parse", err, mlog.Field("path", p))
		return
	}
	defer func() {
		err := f.Close()
		mb.log.Check(err, "closing message after header parse")
	}()

	env, offset, err := message.Parse(mb.log, f)
	if err != nil {
		mb.log.Infox("parsing message headers", err, mlog.Field("path", p))
		return
	}
	fi, err := f.Stat()
	if err != nil {
		mb.log.Infox("stat after header parse", err, mlog.Field("path", p))
		return
	}
	m.Envelope = env
	m.BodyOffset = offset
	m.Size = fi.Size() - offset
	m.Parsed = true
	metricParsed.WithLabelValues("file").Inc()

	mb.cacheStore(m)
}

// cacheFetch loads a record's headers from the header cache. With
// verification on, an entry older than the file's mtime is treated as a
// miss: the file changed after we cached it.
func (mb *Mailbox) cacheFetch(m *Message) bool {
	if mb.cache == nil {
		return false
	}
	buf, validity, err := mb.cache.Fetch(m.Key)
	if err != nil {
		return false
	}
	if mb.Policy.HeaderCacheVerify {
		fi, err := os.Stat(m.path(mb.Path))
		if err != nil || fi.ModTime().After(validity) {
			return false
		}
	}
	if err := m.applyCachePayload(buf); err != nil {
		mb.log.Debugx("invalid header cache entry, reparsing", err, mlog.Field("key", m.Key))
		return false
	}
	return true
}

func (mb *Mailbox) cacheStore(m *Message) {
	if mb.cache == nil || !m.Parsed {
		return
	}
	buf, err := m.cachePayload()
	if err == nil {
		err = mb.cache.Store(m.Key, buf, time.Now())
	}
	mb.log.Check(err, "storing headers in cache", mlog.Field("key", m.Key))
}
