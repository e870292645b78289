// Command mstore inspects and manipulates maildir and MH mailboxes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/varmail/mstore/config"
	"github.com/varmail/mstore/mlog"
	"github.com/varmail/mstore/store"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"probe", cmdProbe},
	{"list", cmdList},
	{"stats", cmdStats},
	{"empty", cmdEmpty},
	{"check", cmdCheck},
	{"deliver", cmdDeliver},
	{"setflags", cmdSetflags},
	{"label", cmdLabel},
	{"config test", cmdConfigTest},
	{"config example", cmdConfigExample},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn})
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string
	help   string
	args   []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	if c._gather {
		panic("gather")
	}
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mstore "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) Usage() {
	cs := "mstore " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := "      "
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(os.Stderr, "%s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(os.Stderr)
	c.flag.PrintDefaults()
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func usage() {
	lines := []string{"mstore [-config mstore.conf] [-loglevel level] ..."}
	for _, c := range cmds {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mstore"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var (
	configPath string
	loglevel   string
	conf       config.Config
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&loglevel, "loglevel", "", "log level: error, info, debug")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	conf = config.Defaults()
	if configPath != "" {
		var err error
		conf, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	level := conf.LogLevel
	if loglevel != "" {
		level = loglevel
	}
	if l, ok := mlog.Levels[level]; ok {
		mlog.SetConfig(map[string]mlog.Level{"": l})
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mstore "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New("main")
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		for _, c := range partial {
			fmt.Fprintf(os.Stderr, "mstore %s\n", strings.Join(c.words, " "))
		}
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
	os.Exit(2)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", fmt.Sprintf(format, args...), err)
		os.Exit(1)
	}
}

func xopen(c *cmd, path string) *store.Mailbox {
	mb, err := store.Open(context.Background(), c.log, path, conf.Policy())
	xcheckf(err, "opening mailbox %s", path)
	return mb
}

func cmdProbe(c *cmd) {
	c.params = "mailbox"
	c.help = "Print the detected mailbox format, maildir or mh."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	p, err := store.PathCanon(args[0])
	xcheckf(err, "resolving path")
	fmt.Println(store.Probe(p))
}

func cmdList(c *cmd) {
	c.params = "mailbox"
	c.help = "List messages with their key, flags, sender and subject."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mb := xopen(c, args[0])
	defer mb.Close()
	for _, m := range mb.Msgs {
		var flags []byte
		for _, fc := range []struct {
			set bool
			c   byte
		}{
			{m.Flags.Seen, 'S'},
			{m.Flags.Flagged, 'F'},
			{m.Flags.Replied, 'R'},
			{m.Flags.Trashed, 'T'},
			{m.Flags.Old, 'O'},
		} {
			if fc.set {
				flags = append(flags, fc.c)
			} else {
				flags = append(flags, '-')
			}
		}
		var from, subject string
		if m.Envelope != nil {
			subject = m.Envelope.Subject
			if len(m.Envelope.From) > 0 {
				a := m.Envelope.From[0]
				from = a.User + "@" + a.Host
			}
		}
		fmt.Printf("%s\t%s\t%d\t%s\t%s\n", m.Key, flags, m.Size, from, subject)
	}
}

func cmdStats(c *cmd) {
	c.params = "mailbox"
	c.help = "Print message counts and whether there is new mail."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mb := xopen(c, args[0])
	defer mb.Close()
	stats, err := mb.CheckStats()
	xcheckf(err, "counting")
	fmt.Printf("messages %d, unseen %d, flagged %d, newmail %v\n", stats.Messages, stats.Unseen, stats.Flagged, stats.NewMail)
}

func cmdEmpty(c *cmd) {
	c.params = "mailbox"
	c.help = "Report whether the mailbox holds any messages. Exit status 0 means empty."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	p, err := store.PathCanon(args[0])
	xcheckf(err, "resolving path")
	empty, err := store.PathIsEmpty(p)
	xcheckf(err, "checking mailbox")
	fmt.Println(empty)
	if !empty {
		os.Exit(1)
	}
}

func cmdCheck(c *cmd) {
	c.params = "mailbox"
	c.help = "Open the mailbox and run one external-change check, printing the result."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mb := xopen(c, args[0])
	defer mb.Close()
	res, err := mb.Check(context.Background())
	xcheckf(err, "checking mailbox")
	fmt.Println(res)
}

func cmdDeliver(c *cmd) {
	c.params = "[-seen] [-flagged] [-replied] mailbox"
	c.help = "Deliver a message read from stdin into the mailbox."
	var flags store.Flags
	c.flag.BoolVar(&flags.Seen, "seen", false, "mark the message seen")
	c.flag.BoolVar(&flags.Flagged, "flagged", false, "mark the message flagged")
	c.flag.BoolVar(&flags.Replied, "replied", false, "mark the message replied")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mb := xopen(c, args[0])
	defer mb.Close()
	o, err := mb.MsgOpenNew(flags, "")
	xcheckf(err, "starting message")
	if _, err := io.Copy(o, os.Stdin); err != nil {
		o.Cancel()
		xcheckf(err, "writing message")
	}
	key, err := mb.MsgCommit(context.Background(), o)
	xcheckf(err, "committing message")
	fmt.Println(key)
}

// parseFlagSpec turns a string like "SF" or "-" into flag bits.
func parseFlagSpec(s string) (store.Flags, error) {
	var flags store.Flags
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'S':
			flags.Seen = true
		case 'F':
			flags.Flagged = true
		case 'R':
			flags.Replied = true
		case '-':
		default:
			return flags, fmt.Errorf("unknown flag %q", s[i])
		}
	}
	return flags, nil
}

func cmdSetflags(c *cmd) {
	c.params = "[-delete] mailbox key flags"
	c.help = `Set the flags of a message and sync the mailbox.

Flags is a string of S (seen), F (flagged) and R (replied), or "-" for none.
With -delete the message is scheduled for removal instead.
`
	var del bool
	c.flag.BoolVar(&del, "delete", false, "delete the message")
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	mb := xopen(c, args[0])
	defer mb.Close()
	m := mb.MsgByKey(args[1])
	if m == nil {
		xcheckf(store.ErrNotFound, "message %s", args[1])
	}
	flags, err := parseFlagSpec(args[2])
	xcheckf(err, "parsing flags")
	m.Flags.Seen = flags.Seen
	m.Flags.Flagged = flags.Flagged
	m.Flags.Replied = flags.Replied
	m.Deleted = del
	m.Changed = true
	err = mb.Sync(context.Background())
	xcheckf(err, "syncing mailbox")
}

func cmdLabel(c *cmd) {
	c.params = "mailbox key label"
	c.help = "Set the X-Label header of a message, rewriting the file. An empty label removes the header."
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	mb := xopen(c, args[0])
	defer mb.Close()
	m := mb.MsgByKey(args[1])
	if m == nil || m.Envelope == nil {
		xcheckf(store.ErrNotFound, "message %s", args[1])
	}
	m.Envelope.Label = args[2]
	m.Envelope.Changed = true
	err := mb.Sync(context.Background())
	xcheckf(err, "syncing mailbox")
}

func cmdConfigTest(c *cmd) {
	c.params = "path"
	c.help = "Parse the configuration file and report errors."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	_, err := config.Load(args[0])
	xcheckf(err, "checking config")
	fmt.Println("config OK")
}

func cmdConfigExample(c *cmd) {
	c.help = "Print an annotated example configuration file."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = "Print usage of matching commands."
	args := c.Parse()
	for _, xc := range cmds {
		if len(args) > 0 && (len(xc.words) < len(args) || !strings.HasPrefix(strings.Join(xc.words, " "), strings.Join(args, " "))) {
			continue
		}
		xc.gather()
		fmt.Printf("mstore %s %s\n", strings.Join(xc.words, " "), xc.params)
		if xc.help != "" {
			fmt.Printf("\t%s\n", strings.Split(xc.help, "\n")[0])
		}
	}
}
