package cli

import "errors"

var (
	errSourceRequired  = errors.New("--source is required")
	errOpRequired      = errors.New("--op is required")
	errCommandRequired = errors.New("build command is required after --")
	errFileRequired    = errors.New("file argument is required")
	errTooManyArgs     = errors.New("too many arguments")
)
