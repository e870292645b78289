package store

import (
	"sort"
	"strings"
)

// Flags are the standard per-message flags. For Maildir they are encoded in
// the filename suffix, for MH they are derived from the sequences file.
type Flags struct {
	Seen    bool
	Flagged bool
	Replied bool
	Trashed bool // T flag seen on disk, message is in the wastebasket
	Old     bool // message lives in cur/
}

// maildirFlagSep separates the unique part of a maildir filename from its
// flags, e.g. "1234.abc.host:2,RS".
const maildirFlagSep = ":2,"

// maildirParseFlags decodes the flag suffix of a maildir basename. Characters
// outside the standard F/R/S/T set are collected as user flags. With
// preserveFlagged, a message that is both flagged and trashed keeps only the
// flagged bit, so important mail does not get expunged by accident; deleted
// reports whether the trash marker should also schedule the message for
// removal.
func maildirParseFlags(base string, preserveFlagged bool) (flags Flags, userFlags string, deleted bool) {
	_, suffix, ok := strings.Cut(base, maildirFlagSep)
	if !ok {
		return
	}
	var user []byte
	for i := 0; i < len(suffix); i++ {
		switch c := suffix[i]; c {
		case 'F':
			flags.Flagged = true
		case 'R':
			flags.Replied = true
		case 'S':
			flags.Seen = true
		case 'T':
			flags.Trashed = true
			deleted = true
		default:
			user = append(user, c)
		}
	}
	if preserveFlagged && flags.Flagged && flags.Trashed {
		flags.Trashed = false
		deleted = false
	}
	sort.Slice(user, func(i, j int) bool { return user[i] < user[j] })
	userFlags = string(user)
	return
}

// maildirFlagSuffix encodes flags as a ":2,"-prefixed suffix with characters
// in ASCII order. The empty string is returned when no flags are set and the
// message need not move out of new/, in which case the basename carries no
// suffix at all.
func maildirFlagSuffix(flags Flags, userFlags string, trashed bool) string {
	var l []byte
	if flags.Flagged {
		l = append(l, 'F')
	}
	if flags.Replied {
		l = append(l, 'R')
	}
	if flags.Seen {
		l = append(l, 'S')
	}
	if trashed {
		l = append(l, 'T')
	}
	l = append(l, userFlags...)
	if len(l) == 0 && !flags.Old && !flags.Seen {
		return ""
	}
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return maildirFlagSep + string(l)
}

// maildirKey returns the canonical key of a maildir basename: everything
// before the flag separator. The key is stable across flag renames and is
// what the header cache and the change detector match on.
func maildirKey(base string) string {
	if i := strings.IndexByte(base, ':'); i >= 0 {
		return base[:i]
	}
	return base
}
