package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout gets ANSI colors. NO_COLOR wins,
// then CLICOLOR_FORCE=1, then CLICOLOR=0, then TTY detection.
func ShouldUseColor() bool {
	return colorEnabled(os.Getenv, func() bool { return term.IsTerminal(int(os.Stdout.Fd())) })
}

func colorEnabled(getenv func(string) string, isTTY func() bool) bool {
	if getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(getenv("CLICOLOR")) == "0" {
		return false
	}
	return isTTY()
}
