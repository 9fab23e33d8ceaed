package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/calvinalkan/dapcache/internal/decompress"

	flag "github.com/spf13/pflag"
)

// DecompressCmd returns the decompress command.
func DecompressCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("decompress", flag.ContinueOnError),
		Usage: "decompress <file>",
		Short: "Print the decompressed content of a .gz, .zst or .bz2 file",
		Long: `Print the decompressed content of <file>, keeping a copy in the cache.
The copy is rebuilt when <file> is modified after it was made.

If the cache is unavailable <file> is decompressed directly and a warning is
printed.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execDecompress(ctx, a, o, args)
		},
	}
}

func execDecompress(ctx context.Context, a *app, o *IO, args []string) error {
	if len(args) == 0 {
		return errFileRequired
	}

	if len(args) > 1 {
		return errTooManyArgs
	}

	path := a.abs(args[0])

	store, err := a.store()
	if err != nil {
		o.Warn("cache "+a.cache+" unavailable", "decompressing directly")

		return decompress.Direct(ctx, path, o.Stdout())
	}

	entry, err := decompress.Get(ctx, store, path)
	if err != nil {
		if errors.Is(err, decompress.ErrNotCompressed) || !isCacheError(err) || !bypassable(ctx, err) {
			return err
		}

		o.Warn(err.Error(), "decompressing directly")

		return decompress.Direct(ctx, path, o.Stdout())
	}
	defer entry.Close()

	if _, err := io.Copy(o.Stdout(), entry.Reader()); err != nil {
		return fmt.Errorf("reading entry: %w", err)
	}

	return nil
}
