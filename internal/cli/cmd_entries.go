package cli

import (
	"context"
	"time"

	"github.com/calvinalkan/dapcache/pkg/filecache"

	flag "github.com/spf13/pflag"
)

// PurgeCmd returns the purge command.
func PurgeCmd(a *app) *Command {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	source := fs.String("source", "", "Source `path` the entry derives from")
	op := fs.String("op", "", "Operation `name`")

	return &Command{
		Flags: fs,
		Usage: "purge --source <path> --op <name>",
		Short: "Remove one entry",
		Long: `Remove the entry of operation <name> on <path>.

Readers holding the entry keep their copy. An entry that is being built is left
alone.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			return execPurge(a, o, *source, *op)
		},
	}
}

func execPurge(a *app, o *IO, source, op string) error {
	if source == "" {
		return errSourceRequired
	}

	if op == "" {
		return errOpRequired
	}

	store, err := a.store()
	if err != nil {
		return err
	}

	key := filecache.NewKey(a.abs(source), op)

	removed, err := store.Purge(key)
	if err != nil {
		return err
	}

	if removed {
		o.Println("purged", key)
	} else {
		o.Println("nothing to purge for", key)
	}

	return nil
}

// LsCmd returns the ls command.
func LsCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("ls", flag.ContinueOnError),
		Usage: "ls",
		Short: "List entries, oldest first",
		Long: `List the entries of the cache, oldest first: digest, size in bytes,
modification time and, when known, the key the entry was built for.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			return execLs(a, o)
		},
	}
}

func execLs(a *app, o *IO) error {
	store, err := a.store()
	if err != nil {
		return err
	}

	entries, err := store.Entries()
	if err != nil {
		return err
	}

	for _, e := range entries {
		key := string(e.Key)
		if key == "" {
			key = "-"
		}

		o.Printf("%s  %10d  %s  %s\n", e.Digest, e.Size, e.ModTime.UTC().Format(time.RFC3339), key)
	}

	return nil
}

// StatCmd returns the stat command.
func StatCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stat", flag.ContinueOnError),
		Usage: "stat",
		Short: "Show entry count, total size and budget",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			return execStat(a, o)
		},
	}
}

func execStat(a *app, o *IO) error {
	store, err := a.store()
	if err != nil {
		return err
	}

	st, err := store.Stat()
	if err != nil {
		return err
	}

	o.Println("cache=" + st.Name)
	o.Println("dir=" + st.Dir)
	o.Println("prefix=" + st.Prefix)
	o.Printf("entries=%d\n", st.Entries)
	o.Printf("total_bytes=%d\n", st.TotalBytes)
	o.Printf("max_bytes=%d\n", st.MaxBytes)

	return nil
}

// EvictCmd returns the evict command.
func EvictCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("evict", flag.ContinueOnError),
		Usage: "evict",
		Short: "Remove oldest entries until the cache fits its budget",
		Long: `Remove the oldest entries until the cache fits its budget. Entries held
by readers or builders are skipped. If another process is already evicting,
nothing is done.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			return execEvict(ctx, a, o)
		},
	}
}

func execEvict(ctx context.Context, a *app, o *IO) error {
	store, err := a.store()
	if err != nil {
		return err
	}

	res, err := store.Evict(ctx)
	if err != nil {
		return err
	}

	printEvictResult(o, res)

	return nil
}

func printEvictResult(o *IO, res filecache.EvictResult) {
	if res.Contended {
		o.Println("eviction already running in another process")

		return
	}

	o.Printf("removed=%d removed_bytes=%d skipped=%d orphans=%d total_bytes=%d\n",
		res.Removed, res.RemovedBytes, res.Skipped, res.Orphans, res.Total)
}
