package ui

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal; pass --yes to confirm")

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Confirm asks a yes/no question on the terminal. It never prompts when
// stdin is redirected.
func Confirm(title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, ErrNotInteractive
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
