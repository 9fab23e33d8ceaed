package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/dapcache/internal/keys"
	"github.com/calvinalkan/dapcache/pkg/filecache"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

const minArgs = 2

// errCacheRequired is returned when --cache is given an empty name.
var errCacheRequired = errors.New("--cache cannot be empty")

// app is the state shared by all commands of one invocation.
type app struct {
	cache    string
	keys     keys.Loaded
	registry *filecache.Registry
	metrics  *prometheus.Registry
	logger   *slog.Logger
}

// store returns the selected cache, or the error that made it unavailable.
func (a *app) store() (*filecache.Store, error) {
	return a.registry.Instance(a.cache)
}

// abs resolves path against the work directory.
func (a *app) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(a.keys.WorkDir, path)
}

// Run is the main entry point. Returns exit code.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := newGlobalFlags()

	if len(args) < minArgs {
		printUsage(out, globals.set)

		return 0
	}

	if err := globals.parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals.set)

		return 1
	}

	remaining := globals.set.Args()
	if globals.help || len(remaining) == 0 {
		printUsage(out, globals.set)

		return 0
	}

	loaded, err := keys.Load(keys.LoadInput{
		WorkDirOverride: globals.workDir,
		ConfigPath:      globals.configPath,
		Overrides:       globals.overrides,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	level := slog.LevelWarn
	if globals.verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	promReg := prometheus.NewRegistry()

	metrics, err := filecache.NewMetrics(promReg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	registry := filecache.NewRegistry(workDirKeys{keys: loaded.Keys, workDir: loaded.WorkDir}, filecache.RegistryOptions{
		Logger:  logger,
		Metrics: metrics,
	})

	defer func() {
		if err := registry.ShutdownAll(); err != nil {
			logger.Warn("closing caches", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	a := &app{
		cache:    globals.cache,
		keys:     loaded,
		registry: registry,
		metrics:  promReg,
		logger:   logger,
	}

	name := remaining[0]

	cmd, ok := a.commandMap()[name]
	if !ok {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, globals.set)

		return 1
	}

	return cmd.Run(ctx, NewIO(stdin, out, errOut), remaining[1:])
}

// commands lists every command in help order.
func (a *app) commands() []*Command {
	return []*Command{
		GetCmd(a),
		DecompressCmd(a),
		PurgeCmd(a),
		LsCmd(a),
		StatCmd(a),
		EvictCmd(a),
		WarmCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

func (a *app) commandMap() map[string]*Command {
	cmds := a.commands()

	m := make(map[string]*Command, len(cmds))
	for _, c := range cmds {
		m[c.Name()] = c
	}

	return m
}

type globalFlags struct {
	set        *flag.FlagSet
	workDir    string
	configPath string
	overrides  []string
	cache      string
	verbose    bool
	help       bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("dapcache", flag.ContinueOnError)}

	// Everything after the command name belongs to the command.
	g.set.SetInterspersed(false)
	g.set.SetOutput(&strings.Builder{})

	g.set.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	g.set.StringArrayVar(&g.overrides, "key", nil, "Set a config key, `key=value` (repeatable)")
	g.set.StringVar(&g.cache, "cache", filecache.ResultsCache, "Cache `name` to operate on")
	g.set.BoolVarP(&g.verbose, "verbose", "v", false, "Log cache activity to stderr")
	g.set.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

func (g *globalFlags) parse(args []string) error {
	if err := g.set.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(g.cache) == "" {
		return errCacheRequired
	}

	return nil
}

// workDirKeys resolves relative cache directories against the work directory,
// so -C behaves as if dapcache had been started there.
type workDirKeys struct {
	keys    *keys.Keys
	workDir string
}

func (w workDirKeys) Get(key string) (string, bool) {
	v, ok := w.keys.Get(key)
	if !ok || v == "" {
		return v, ok
	}

	if key == filecache.DataRootKey || strings.HasSuffix(key, ".dir") {
		if !filepath.IsAbs(v) {
			return filepath.Join(w.workDir, v), true
		}
	}

	return v, true
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet) {
	fprintln(w, `dapcache - disk cache for derived data products

Usage: dapcache [options] <command> [args]

Options:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range (&app{}).commands() {
		fprintln(w, c.HelpLine())
	}
}
