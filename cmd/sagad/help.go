package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/ui"
)

// helpStyle recolors one kind of token in cobra's plain help text.
type helpStyle struct {
	re    *regexp.Regexp
	style func(parts []string) string
}

var helpStyles = []helpStyle{
	// Section headers such as "Sagas:" or "Flags:".
	{regexp.MustCompile(`(?m)^([A-Z][^\n]*:)\s*$`), func(p []string) string {
		return ui.RenderAccent(strings.TrimSpace(p[0]))
	}},
	// Command names: two-space indent, a word, then the description.
	{regexp.MustCompile(`(?m)^(  )(\S+)(  )`), func(p []string) string {
		return p[1] + ui.RenderCommand(p[2]) + p[3]
	}},
	// Flag types, e.g. "--limit int".
	{regexp.MustCompile(`(--?\S+\s+)(string|int|int64|duration|strings|stringArray)\b`), func(p []string) string {
		return p[1] + ui.RenderMuted(p[2])
	}},
	{regexp.MustCompile(`\(default [^)]*\)`), func(p []string) string {
		return ui.RenderMuted(p[0])
	}},
}

// colorizedHelpFunc renders cobra's usage text, styled when stdout takes
// colors.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}

		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)
		fmt.Fprint(out, colorizeHelp(buf.String()))
	}
}

func colorizeHelp(s string) string {
	for _, hs := range helpStyles {
		s = hs.re.ReplaceAllStringFunc(s, func(match string) string {
			return hs.style(hs.re.FindStringSubmatch(match))
		})
	}
	return s
}
