package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/calvinalkan/dapcache/pkg/filecache"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

var (
	errShellUsage   = errors.New("usage")
	errNoSuchHandle = errors.New("no such held entry")
)

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive session that can hold entries open",
		Long: `Start an interactive session on the cache. Entries fetched with "hold"
stay open, with their shared lock, until released or the session ends, which
makes it easy to watch purge and eviction skip or keep entries in use.

Type "help" in the session for its commands.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			sh := &shell{app: a, o: o, held: map[int]*filecache.Entry{}}

			return sh.run(ctx)
		},
	}
}

// prompter reads shell input lines.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
}

// scriptPrompter reads lines from a non-terminal input.
type scriptPrompter struct {
	sc *bufio.Scanner
}

func (s *scriptPrompter) Prompt(string) (string, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return s.sc.Text(), nil
}

func (s *scriptPrompter) AppendHistory(string) {}

type shell struct {
	app  *app
	o    *IO
	held map[int]*filecache.Entry
	next int
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dapcache_history")
}

func (sh *shell) run(ctx context.Context) error {
	defer sh.releaseAll()

	in := sh.o.Stdin()

	if f, ok := in.(*os.File); ok && f == os.Stdin {
		line := liner.NewLiner()
		defer line.Close()

		line.SetCtrlCAborts(true)
		line.SetCompleter(completeShell)

		if hf, err := os.Open(historyFile()); err == nil {
			_, _ = line.ReadHistory(hf)
			_ = hf.Close()
		}

		defer saveHistory(line)

		return sh.loop(ctx, line)
	}

	if in == nil {
		in = strings.NewReader("")
	}

	return sh.loop(ctx, &scriptPrompter{sc: bufio.NewScanner(in)})
}

func (sh *shell) loop(ctx context.Context, p prompter) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := p.Prompt("dapcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p.AppendHistory(line)

		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])

		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			return nil
		}

		if err := sh.dispatch(ctx, cmd, fields[1:]); err != nil {
			sh.o.ErrPrintln("error:", err)
		}
	}
}

func (sh *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		sh.printHelp()

		return nil
	case "get":
		source, op, argv, err := splitBuildArgs(args)
		if err != nil {
			return err
		}

		return execGet(ctx, sh.app, sh.o, source, op, argv)
	case "hold":
		return sh.hold(ctx, args)
	case "release":
		return sh.release(args)
	case "held":
		sh.listHeld()

		return nil
	case "purge":
		if len(args) != 2 {
			return fmt.Errorf("%w: purge <source> <op>", errShellUsage)
		}

		return execPurge(sh.app, sh.o, args[0], args[1])
	case "ls":
		return execLs(sh.app, sh.o)
	case "stat":
		return execStat(sh.app, sh.o)
	case "evict":
		return execEvict(ctx, sh.app, sh.o)
	case "metrics":
		return sh.printMetrics()
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

// splitBuildArgs parses "<source> <op> -- <cmd>...".
func splitBuildArgs(args []string) (string, string, []string, error) {
	sep := slices.Index(args, "--")
	if sep != 2 || len(args) < 4 {
		return "", "", nil, fmt.Errorf("%w: <source> <op> -- <cmd>...", errShellUsage)
	}

	return args[0], args[1], args[3:], nil
}

func (sh *shell) hold(ctx context.Context, args []string) error {
	source, op, argv, err := splitBuildArgs(args)
	if err != nil {
		return err
	}

	store, err := sh.app.store()
	if err != nil {
		return err
	}

	src := sh.app.abs(source)
	build := commandBuild(argv, sh.app.keys.WorkDir, src, op, sh.o.errOut)

	entry, err := store.GetOrBuild(ctx, filecache.NewKey(src, op), store.SourceFreshness(src), build)
	if err != nil {
		return err
	}

	sh.next++
	sh.held[sh.next] = entry

	sh.o.Printf("held #%d %s (%d bytes)\n", sh.next, entry.Key, entry.Size)

	return nil
}

func (sh *shell) release(args []string) error {
	if len(args) == 0 || args[0] == "all" {
		n := len(sh.held)
		sh.releaseAll()
		sh.o.Printf("released %d\n", n)

		return nil
	}

	for _, arg := range args {
		id, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
		if err != nil {
			return fmt.Errorf("%w: release [#id...|all]", errShellUsage)
		}

		entry, ok := sh.held[id]
		if !ok {
			return fmt.Errorf("%w: #%d", errNoSuchHandle, id)
		}

		delete(sh.held, id)

		if err := entry.Close(); err != nil {
			return err
		}

		sh.o.Printf("released #%d\n", id)
	}

	return nil
}

func (sh *shell) releaseAll() {
	for id, entry := range sh.held {
		_ = entry.Close()

		delete(sh.held, id)
	}
}

func (sh *shell) listHeld() {
	ids := make([]int, 0, len(sh.held))
	for id := range sh.held {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		e := sh.held[id]
		sh.o.Printf("#%d  %10d  %s\n", id, e.Size, e.Key)
	}
}

// printMetrics prints this session's counters, one series per line.
func (sh *shell) printMetrics() error {
	families, err := sh.app.metrics.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+strconv.Quote(lp.GetValue()))
			}

			var v float64

			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			}

			sh.o.Printf("%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), v)
		}
	}

	return nil
}

func (sh *shell) printHelp() {
	sh.o.Println("Commands:")
	sh.o.Println("  get <source> <op> -- <cmd>...    Print an entry, building it on a miss")
	sh.o.Println("  hold <source> <op> -- <cmd>...   Get an entry and keep it open")
	sh.o.Println("  release [#id...|all]             Close held entries")
	sh.o.Println("  held                             List held entries")
	sh.o.Println("  purge <source> <op>              Remove one entry")
	sh.o.Println("  ls                               List entries, oldest first")
	sh.o.Println("  stat                             Show entry count, total size and budget")
	sh.o.Println("  evict                            Evict down to the budget")
	sh.o.Println("  metrics                          Show this session's counters")
	sh.o.Println("  help                             Show this help")
	sh.o.Println("  quit / exit / q                  Exit")
}

// saveHistory persists command history to disk.
func saveHistory(line *liner.State) {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}
}

var shellCommands = []string{
	"get", "hold", "release", "held", "purge",
	"ls", "stat", "evict", "metrics",
	"help", "quit", "exit",
}

// completeShell provides tab completion for shell commands.
func completeShell(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range shellCommands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}
