package store

// Policy bundles the settings that influence mailbox behavior. A zero Policy
// is usable; DefaultPolicy sets the customary sequence names and enables
// checking for new mail.
type Policy struct {
	// Maildir: on sync, deleted messages are renamed with the T flag instead
	// of being unlinked.
	MaildirTrash bool

	// Maildir: a message that is both flagged and trashed on disk keeps only
	// the flagged bit when scanned.
	PreserveFlagged bool

	// MH: on sync, deleted messages are unlinked instead of renamed to a
	// comma-prefixed tombstone.
	MHPurge bool

	// Names of the three managed sequences in .mh_sequences. Empty fields
	// fall back to unseen, flagged and replied.
	SeqUnseen  string
	SeqFlagged string
	SeqReplied string

	// Where header cache databases live. A directory (or path with trailing
	// slash) gets one database file per mailbox, any other non-empty path is
	// a single shared database, and the empty string keeps the cache in
	// memory only.
	HeaderCachePath string

	// Compare the file mtime against the cached entry before trusting it.
	HeaderCacheVerify bool

	// Poll for externally delivered mail in Check. When off, Check returns
	// immediately without touching the filesystem.
	CheckNew bool

	// MH: only report new mail in CheckStats if the sequences file was
	// modified since the mailbox was last visited.
	CheckRecent bool
}

// DefaultPolicy returns the stock settings.
func DefaultPolicy() Policy {
	return Policy{
		SeqUnseen:         "unseen",
		SeqFlagged:        "flagged",
		SeqReplied:        "replied",
		HeaderCacheVerify: true,
		CheckNew:          true,
	}
}

func (p Policy) seqUnseen() string {
	if p.SeqUnseen == "" {
		return "unseen"
	}
	return p.SeqUnseen
}

func (p Policy) seqFlagged() string {
	if p.SeqFlagged == "" {
		return "flagged"
	}
	return p.SeqFlagged
}

func (p Policy) seqReplied() string {
	if p.SeqReplied == "" {
		return "replied"
	}
	return p.SeqReplied
}
