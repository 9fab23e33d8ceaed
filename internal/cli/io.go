package cli

import (
	"fmt"
	"io"
)

// IO handles command output with warning visibility.
type IO struct {
	in       io.Reader
	out      io.Writer
	errOut   io.Writer
	warnings []string
	started  bool
}

// NewIO creates a new IO instance.
func NewIO(in io.Reader, out, errOut io.Writer) *IO {
	return &IO{in: in, out: out, errOut: errOut}
}

// Warn adds a warning about a degraded but successful run.
//
// Parameters:
//   - issue: what went wrong
//   - action: what was done instead
//
// Warnings are printed to stderr at both the START and END of output, so
// they stay visible when stdout is piped through head or tail. They do not
// change the exit code: a bypassed cache still produces a correct result.
func (o *IO) Warn(issue string, action string) {
	o.warnings = append(o.warnings, fmt.Sprintf("%s: %s", issue, action))
}

// Println writes to stdout. On first call, any collected warnings
// are printed to stderr first.
func (o *IO) Println(a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout. On first call, any collected
// warnings are printed to stderr first.
func (o *IO) Printf(format string, a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// Stdout returns the raw stdout writer, for streaming entry content.
// Collected warnings are printed first.
func (o *IO) Stdout() io.Writer {
	o.flushWarningsStart()

	return o.out
}

// Stdin returns the command input.
func (o *IO) Stdin() io.Reader {
	return o.in
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Stderr returns an IO whose stdout is this IO's stderr.
func (o *IO) Stderr() *IO {
	return &IO{in: o.in, out: o.errOut, errOut: o.errOut}
}

// Finish prints warnings to stderr and returns the exit code.
func (o *IO) Finish() int {
	// If no output happened but we have warnings, print them at "start" position
	o.flushWarningsStart()

	if len(o.warnings) > 0 && o.started {
		for _, w := range o.warnings {
			_, _ = fmt.Fprintln(o.errOut, "warning:", w)
		}
	}

	o.warnings = nil

	return 0
}

func (o *IO) flushWarningsStart() {
	if !o.started && len(o.warnings) > 0 {
		for _, w := range o.warnings {
			_, _ = fmt.Fprintln(o.errOut, "warning:", w)
		}

		o.started = true
	}
}
