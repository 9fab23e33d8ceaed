package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/calvinalkan/dapcache/pkg/filecache"

	flag "github.com/spf13/pflag"
)

// Environment passed to build commands.
const (
	envSource = "DAPCACHE_SOURCE"
	envOp     = "DAPCACHE_OP"
)

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	source := fs.String("source", "", "Source `path` the entry derives from")
	op := fs.String("op", "", "Operation `name`")

	return &Command{
		Flags: fs,
		Usage: "get --source <path> --op <name> -- <cmd>...",
		Short: "Print an entry, building it with <cmd> on a miss",
		Long: `Print the cached output of operation <name> on <path>.

On a miss, or when <path> changed after the entry was built, <cmd> runs once
across all processes and its stdout becomes the entry. Other callers wait for
it. ` + envSource + ` and ` + envOp + ` are set in its environment.

If the cache is unavailable <cmd> runs directly and a warning is printed.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execGet(ctx, a, o, *source, *op, args)
		},
	}
}

func execGet(ctx context.Context, a *app, o *IO, source, op string, argv []string) error {
	if source == "" {
		return errSourceRequired
	}

	if op == "" {
		return errOpRequired
	}

	if len(argv) == 0 {
		return errCommandRequired
	}

	src := a.abs(source)
	build := commandBuild(argv, a.keys.WorkDir, src, op, o.errOut)

	store, err := a.store()
	if err != nil {
		o.Warn("cache "+a.cache+" unavailable", "running build command directly")

		return build(ctx, o.Stdout())
	}

	entry, err := store.GetOrBuild(ctx, filecache.NewKey(src, op), store.SourceFreshness(src), build)
	if err != nil {
		if !bypassable(ctx, err) {
			return err
		}

		o.Warn(err.Error(), "running build command directly")

		return build(ctx, o.Stdout())
	}
	defer entry.Close()

	if _, err := io.Copy(o.Stdout(), entry.Reader()); err != nil {
		return fmt.Errorf("reading entry: %w", err)
	}

	return nil
}

// bypassable reports whether err is cache trouble that computing directly
// gets around, as opposed to a failed build or a cancelled run.
func bypassable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	return !errors.Is(err, filecache.ErrBuild) && !errors.Is(err, filecache.ErrInvalidKey)
}

// isCacheError reports whether err came out of a store operation.
func isCacheError(err error) bool {
	var cerr *filecache.Error

	return errors.As(err, &cerr)
}

// commandBuild returns a build procedure running argv in dir with its stdout
// as the entry.
func commandBuild(argv []string, dir, source, op string, stderr io.Writer) filecache.BuildFunc {
	return func(ctx context.Context, w io.Writer) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.Stdout = w
		cmd.Stderr = stderr
		cmd.Env = append(os.Environ(), envSource+"="+source, envOp+"="+op)

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", argv[0], err)
		}

		return nil
	}
}

// syncWriter serializes writes from concurrent build commands.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}
