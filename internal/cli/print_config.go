package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display every configuration key, where it was set, and which files were loaded.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			execPrintConfig(a, o)

			return nil
		},
	}
}

func execPrintConfig(a *app, o *IO) {
	k := a.keys.Keys

	o.Println("effective_cwd=" + a.keys.WorkDir)
	o.Println("cache=" + a.cache)

	for _, name := range k.Names() {
		v, _ := k.Get(name)
		o.Printf("%s=%s\t# %s\n", name, v, k.Source(name))
	}

	o.Println("")
	o.Println("# sources")

	sources := a.keys.Sources
	if sources.Global == "" && sources.Project == "" {
		o.Println("(no config files)")

		return
	}

	if sources.Global != "" {
		o.Println("global_config=" + sources.Global)
	}

	if sources.Project != "" {
		o.Println("project_config=" + sources.Project)
	}
}
