package main

import "errors"

// Exit code conventions: 0 success, 1 generic failure, 2 environment
// problems (runtime unavailable, bad config). `run` additionally
// forwards the sandboxed tool's own exit code, so scripts wrapping
// `crucible run` see the same code they would see running the tool
// directly.

type exitCoder interface {
	ExitCode() int
}

// exitError pairs an error with the process exit code it should map to.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return 1
	}
	return e.code
}

// withExitCode attaches an exit code to err; nil stays nil.
func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError maps an error to the process exit code, walking the
// wrap chain for an attached code and defaulting to 1.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return 1
}
