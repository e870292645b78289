// Package config holds the file format for mstore's configuration, parsed
// with sconf. Describe on a zero value prints an annotated example file.
package config

import (
	"fmt"
	"io"

	"github.com/mjl-/sconf"

	"github.com/varmail/mstore/store"
)

// Config is the on-disk configuration.
type Config struct {
	LogLevel string `sconf:"optional" sconf-doc:"Default log level: error, info or debug."`

	HeaderCache struct {
		Path   string `sconf:"optional" sconf-doc:"Where cache databases live. A directory gets one database file per mailbox, any other path is a single shared database. Empty disables persistence."`
		Verify bool   `sconf:"optional" sconf-doc:"Compare file mtimes against cached entries before trusting them."`
	} `sconf:"optional" sconf-doc:"Persistent header cache."`

	Maildir struct {
		Trash           bool `sconf:"optional" sconf-doc:"Keep deleted messages, renamed with the trash flag, instead of unlinking them on sync."`
		PreserveFlagged bool `sconf:"optional" sconf-doc:"A message both flagged and trashed on disk keeps only the flagged bit."`
	} `sconf:"optional" sconf-doc:"Maildir mailbox behavior."`

	MH struct {
		Purge      bool   `sconf:"optional" sconf-doc:"Unlink deleted messages instead of renaming them to comma-prefixed tombstones."`
		SeqUnseen  string `sconf:"optional" sconf-doc:"Name of the unseen sequence in .mh_sequences. Default unseen."`
		SeqFlagged string `sconf:"optional" sconf-doc:"Name of the flagged sequence. Default flagged."`
		SeqReplied string `sconf:"optional" sconf-doc:"Name of the replied sequence. Default replied."`
	} `sconf:"optional" sconf-doc:"MH mailbox behavior."`

	Check struct {
		New    bool `sconf:"optional" sconf-doc:"Poll mailboxes for externally delivered mail."`
		Recent bool `sconf:"optional" sconf-doc:"MH: only report new mail when the sequences file changed since the last visit."`
	} `sconf:"optional" sconf-doc:"New-mail detection."`
}

// Defaults returns a Config matching store.DefaultPolicy.
func Defaults() Config {
	var c Config
	c.LogLevel = "error"
	c.HeaderCache.Verify = true
	c.MH.SeqUnseen = "unseen"
	c.MH.SeqFlagged = "flagged"
	c.MH.SeqReplied = "replied"
	c.Check.New = true
	return c
}

// Load parses the configuration file at path. Fields not set keep the
// defaults.
func Load(path string) (Config, error) {
	c := Defaults()
	if err := sconf.ParseFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return c, nil
}

// Describe writes an annotated example configuration file.
func Describe(w io.Writer) error {
	c := Defaults()
	return sconf.Describe(w, &c)
}

// Policy converts the configuration into the settings the store consumes.
func (c Config) Policy() store.Policy {
	return store.Policy{
		MaildirTrash:      c.Maildir.Trash,
		PreserveFlagged:   c.Maildir.PreserveFlagged,
		MHPurge:           c.MH.Purge,
		SeqUnseen:         c.MH.SeqUnseen,
		SeqFlagged:        c.MH.SeqFlagged,
		SeqReplied:        c.MH.SeqReplied,
		HeaderCachePath:   c.HeaderCache.Path,
		HeaderCacheVerify: c.HeaderCache.Verify,
		CheckNew:          c.Check.New,
		CheckRecent:       c.Check.Recent,
	}
}
