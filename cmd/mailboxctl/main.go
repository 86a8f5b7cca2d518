// mailboxctl is the operator tool for gumdrop mailbox stores. It speaks
// directly to the configured backend: listing hierarchies, appending
// messages, expunging, managing subscriptions, and running integrity
// checks across users.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"gumdrop/internal/blobstorage"
	"gumdrop/internal/conf"
	"gumdrop/internal/filestore"
	"gumdrop/internal/mailbox"
	"gumdrop/internal/maildir"
	"gumdrop/internal/messageset"
	"gumdrop/internal/sqlitestore"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mailboxctl [-config FILE] COMMAND [args]

Commands:
  list      -user USER [-pattern PAT] [-subscribed]   list mailboxes
  check     [-jobs N] USER...                         verify mailbox integrity
  append    -user USER -mailbox NAME [-flags FLAGS]   append a message from stdin
  flag      -user USER -mailbox NAME -set SET [-add|-del|-replace FLAGS]
                                                      change flags on a message set
  expunge   -user USER -mailbox NAME                  expunge deleted messages
  subscribe -user USER -mailbox NAME [-remove]        manage subscriptions
`)
	os.Exit(2)
}

// root abstracts the per-backend Root types; each hands out session stores.
type root interface {
	Store() mailbox.Store
}

func openRoot(cfg *conf.Config, log *slog.Logger) (root, func(), error) {
	switch cfg.Backend {
	case "", "filestore":
		r, err := filestore.NewRoot(cfg.Root, log)
		return r, func() {}, err
	case "maildir":
		r, err := maildir.NewRoot(cfg.Root, log)
		return r, func() {}, err
	case "sqlite":
		blobs, err := blobstorage.New(cfg.BlobStorage)
		if err != nil {
			return nil, nil, fmt.Errorf("blob storage: %w", err)
		}
		r, err := sqlitestore.NewRoot(cfg.Root, blobs, log)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	var cfg *conf.Config
	var err error
	if *configPath != "" {
		cfg, err = conf.LoadConfigFile(*configPath)
	} else {
		cfg, err = conf.LoadConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailboxctl: loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mailboxctl: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	r, cleanup, err := openRoot(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailboxctl: opening %s root: %v\n", cfg.Backend, err)
		os.Exit(1)
	}
	defer cleanup()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "list":
		err = cmdList(r, args)
	case "check":
		err = cmdCheck(r, args)
	case "append":
		err = cmdAppend(r, args)
	case "flag":
		err = cmdFlag(r, args)
	case "expunge":
		err = cmdExpunge(r, args)
	case "subscribe":
		err = cmdSubscribe(r, args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailboxctl: %v\n", err)
		os.Exit(1)
	}
}

func openStore(r root, user string) (mailbox.Store, error) {
	if user == "" {
		return nil, fmt.Errorf("-user is required")
	}
	store := r.Store()
	if err := store.Open(user); err != nil {
		return nil, fmt.Errorf("opening store for %s: %w", user, err)
	}
	return store, nil
}

func cmdList(r root, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.String("user", "", "user to list")
	pattern := fs.String("pattern", "*", "list pattern")
	subscribed := fs.Bool("subscribed", false, "list subscriptions only")
	fs.Parse(args)

	store, err := openStore(r, *user)
	if err != nil {
		return err
	}
	defer store.Close()

	var infos []mailbox.Info
	if *subscribed {
		infos, err = store.ListSubscribed("", *pattern)
	} else {
		infos, err = store.List("", *pattern)
	}
	if err != nil {
		return err
	}
	for _, info := range infos {
		line := info.Name
		if len(info.Attrs) > 0 {
			line += "\t" + info.Attrs.String()
		}
		if !info.Attrs.Has(mailbox.AttrNoselect) {
			mb, err := store.Mailbox(info.Name, true)
			if err == nil {
				count, _ := mb.MessageCount()
				size, _ := mb.MailboxSize()
				line += fmt.Sprintf("\t%d messages, %d bytes", count, size)
				mb.Close(false)
			}
		}
		fmt.Println(line)
	}
	return nil
}

// cmdCheck opens every mailbox of every named user read-only and verifies
// the UID discipline: strictly ascending UIDs, UIDNEXT above the highest
// UID, and readable content for each message.
func cmdCheck(r root, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	jobs := fs.Int("jobs", 4, "concurrent users")
	fs.Parse(args)
	users := fs.Args()
	if len(users) == 0 {
		return fmt.Errorf("check needs at least one user")
	}

	var g errgroup.Group
	g.SetLimit(*jobs)
	for _, user := range users {
		user := user
		g.Go(func() error {
			if err := checkUser(r, user); err != nil {
				return fmt.Errorf("user %s: %w", user, err)
			}
			fmt.Printf("%s: ok\n", user)
			return nil
		})
	}
	return g.Wait()
}

func checkUser(r root, user string) error {
	store, err := openStore(r, user)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List("", "*")
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Attrs.Has(mailbox.AttrNoselect) {
			continue
		}
		if err := checkMailbox(store, info.Name); err != nil {
			return fmt.Errorf("mailbox %s: %w", info.Name, err)
		}
	}
	return nil
}

func checkMailbox(store mailbox.Store, name string) error {
	mb, err := store.Mailbox(name, true)
	if err != nil {
		return err
	}
	defer mb.Close(false)

	descs, err := mb.Messages()
	if err != nil {
		return err
	}
	next, err := mb.UIDNext()
	if err != nil {
		return err
	}
	var prev uint32
	for _, d := range descs {
		if d.UID <= prev {
			return fmt.Errorf("UID %d after %d is not ascending", d.UID, prev)
		}
		if d.UID >= next {
			return fmt.Errorf("UID %d at or above UIDNEXT %d", d.UID, next)
		}
		prev = d.UID
		rc, err := mb.Content(d.Seq)
		if err != nil {
			return fmt.Errorf("message %d: %w", d.Seq, err)
		}
		n, err := io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("message %d: %w", d.Seq, err)
		}
		if n != d.Size {
			return fmt.Errorf("message %d: content is %d bytes, descriptor says %d", d.Seq, n, d.Size)
		}
	}
	return nil
}

func cmdAppend(r root, args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	user := fs.String("user", "", "target user")
	name := fs.String("mailbox", mailbox.Inbox, "target mailbox")
	flagList := fs.String("flags", "", `initial flags, e.g. "\Seen \Flagged"`)
	fs.Parse(args)

	set, err := mailbox.ParseFlagSet(*flagList)
	if err != nil {
		return err
	}

	store, err := openStore(r, *user)
	if err != nil {
		return err
	}
	defer store.Close()

	mb, err := store.Mailbox(*name, false)
	if err != nil {
		return err
	}
	defer mb.Close(false)

	if err := mb.StartAppend(set, time.Time{}); err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := mb.AppendContent(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	uid, err := mb.EndAppend()
	if err != nil {
		return err
	}
	fmt.Printf("appended as UID %d\n", uid)
	return nil
}

func cmdFlag(r root, args []string) error {
	fs := flag.NewFlagSet("flag", flag.ExitOnError)
	user := fs.String("user", "", "target user")
	name := fs.String("mailbox", "", "target mailbox")
	setArg := fs.String("set", "", `message set, e.g. "1:5,8" or "*"`)
	add := fs.String("add", "", "flags to add")
	del := fs.String("del", "", "flags to remove")
	replace := fs.String("replace", "", "flags to replace with")
	fs.Parse(args)
	if *name == "" || *setArg == "" {
		return fmt.Errorf("-mailbox and -set are required")
	}

	set, err := messageset.Parse(*setArg)
	if err != nil {
		return err
	}

	store, err := openStore(r, *user)
	if err != nil {
		return err
	}
	defer store.Close()

	mb, err := store.Mailbox(*name, false)
	if err != nil {
		return err
	}
	defer mb.Close(false)

	descs, err := mb.Messages()
	if err != nil {
		return err
	}
	var last uint32
	if len(descs) > 0 {
		last = descs[len(descs)-1].Seq
	}

	changed := 0
	for _, d := range descs {
		if !set.Contains(d.Seq, last) {
			continue
		}
		switch {
		case *replace != "":
			flags, err := mailbox.ParseFlagSet(*replace)
			if err != nil {
				return err
			}
			err = mb.ReplaceFlags(d.Seq, flags)
			if err != nil {
				return err
			}
		default:
			if *add != "" {
				flags, err := mailbox.ParseFlagSet(*add)
				if err != nil {
					return err
				}
				if err := mb.SetFlags(d.Seq, flags, true); err != nil {
					return err
				}
			}
			if *del != "" {
				flags, err := mailbox.ParseFlagSet(*del)
				if err != nil {
					return err
				}
				if err := mb.SetFlags(d.Seq, flags, false); err != nil {
					return err
				}
			}
		}
		changed++
	}
	fmt.Printf("flagged %d messages\n", changed)
	return nil
}

func cmdExpunge(r root, args []string) error {
	fs := flag.NewFlagSet("expunge", flag.ExitOnError)
	user := fs.String("user", "", "target user")
	name := fs.String("mailbox", "", "target mailbox")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-mailbox is required")
	}

	store, err := openStore(r, *user)
	if err != nil {
		return err
	}
	defer store.Close()

	mb, err := store.Mailbox(*name, false)
	if err != nil {
		return err
	}
	defer mb.Close(false)

	descs, err := mb.Messages()
	if err != nil {
		return err
	}
	for _, d := range descs {
		flags, err := mb.Flags(d.Seq)
		if err != nil {
			return err
		}
		if flags.Has(mailbox.FlagDeleted) {
			if err := mb.Delete(d.Seq); err != nil {
				return err
			}
		}
	}
	removed, err := mb.Expunge()
	if err != nil {
		return err
	}
	fmt.Printf("expunged %d messages\n", len(removed))
	return nil
}

func cmdSubscribe(r root, args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	user := fs.String("user", "", "target user")
	name := fs.String("mailbox", "", "target mailbox")
	remove := fs.Bool("remove", false, "unsubscribe instead")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-mailbox is required")
	}

	store, err := openStore(r, *user)
	if err != nil {
		return err
	}
	defer store.Close()

	if *remove {
		return store.Unsubscribe(*name)
	}
	if err := store.Subscribe(*name); err != nil {
		return err
	}
	if !strings.EqualFold(*name, mailbox.Inbox) {
		if _, err := store.Attributes(*name); err != nil {
			slog.Warn("subscribed to a mailbox that does not exist", "mailbox", *name)
		}
	}
	return nil
}
