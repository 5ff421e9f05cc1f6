// Package ui styles sagad's terminal output.
package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorError  = 167 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderStatus colors a saga or step status by outcome. Unknown values are
// returned unstyled.
func RenderStatus(status string) string {
	switch status {
	case "completed", "resolved":
		return paint(colorOK, status)
	case "running", "started":
		return paint(colorAccent, status)
	case "compensating", "compensated", "unresolved":
		return paint(colorWarn, status)
	case "failed":
		return paint(colorError, status)
	case "cancelled":
		return paint(colorMuted, status)
	}
	return status
}

// SetColorEnabled turns styling on or off globally.
func SetColorEnabled(on bool) {
	noColor = !on
}
