package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/dapcache/pkg/filecache"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// WarmCmd returns the warm command.
func WarmCmd(a *app) *Command {
	fs := flag.NewFlagSet("warm", flag.ContinueOnError)
	source := fs.String("source", "", "Source `path` the entries derive from")
	ops := fs.StringArray("op", nil, "Operation `name` (repeatable)")
	jobs := fs.IntP("jobs", "j", 0, "Maximum concurrent builds (0 = unlimited)")

	return &Command{
		Flags: fs,
		Usage: "warm --source <path> --op <name>... -- <cmd>...",
		Short: "Build entries for several operations concurrently",
		Long: `Make sure an entry exists for every --op on <path>, running <cmd> for
each one that is missing. The operation name is passed to <cmd> in
` + envOp + `. Prints one line per operation: name, "built" or "cached", size.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execWarm(ctx, a, o, *source, *ops, *jobs, args)
		},
	}
}

type warmResult struct {
	built bool
	size  int64
}

func execWarm(ctx context.Context, a *app, o *IO, source string, ops []string, jobs int, argv []string) error {
	if source == "" {
		return errSourceRequired
	}

	if len(ops) == 0 {
		return errOpRequired
	}

	if len(argv) == 0 {
		return errCommandRequired
	}

	store, err := a.store()
	if err != nil {
		return err
	}

	src := a.abs(source)
	fresh := store.SourceFreshness(src)
	stderr := &syncWriter{w: o.errOut}
	results := make([]warmResult, len(ops))

	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}

	for i, op := range ops {
		g.Go(func() error {
			build := commandBuild(argv, a.keys.WorkDir, src, op, stderr)

			entry, err := store.GetOrBuild(gctx, filecache.NewKey(src, op), fresh, build)
			if err != nil {
				return fmt.Errorf("op %s: %w", op, err)
			}

			results[i] = warmResult{built: entry.Built, size: entry.Size}

			return entry.Close()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, op := range ops {
		state := "cached"
		if results[i].built {
			state = "built"
		}

		o.Printf("%s\t%s\t%d\n", op, state, results[i].size)
	}

	return nil
}
