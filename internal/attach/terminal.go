package attach

import (
	"fmt"

	"golang.org/x/term"
)

// MakeRaw puts fd into raw mode and returns a function restoring it.
func MakeRaw(fd int) (restore func(), err error) {
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("attach: fd %d is not a terminal", fd)
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("attach: raw mode: %w", err)
	}
	return func() { term.Restore(fd, old) }, nil
}

// TerminalSize returns a SizeFunc reading the size of fd.
func TerminalSize(fd int) SizeFunc {
	return func() (int, int, error) {
		return term.GetSize(fd)
	}
}

// IsTerminal reports whether fd is a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}
