package alert

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/dwsmith1983/tridx/pkg/types"
)

var levelTags = map[types.AlertLevel]string{
	types.AlertLevelError:   color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	types.AlertLevelWarning: color.YellowString("WARN "),
	types.AlertLevelInfo:    color.CyanString("INFO "),
}

// ConsoleSink prints one colored line per alert, followed by its details
// as sorted key=value pairs.
type ConsoleSink struct {
	out io.Writer
}

// NewConsoleSink creates a console sink writing to stderr.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{out: os.Stderr}
}

// Name returns the sink identifier.
func (s *ConsoleSink) Name() string { return "console" }

// Send prints a.
func (s *ConsoleSink) Send(_ context.Context, a types.Alert) error {
	tag, ok := levelTags[a.Level]
	if !ok {
		tag = levelTags[types.AlertLevelInfo]
	}
	var b strings.Builder
	b.WriteString(tag)
	if a.Job != "" {
		fmt.Fprintf(&b, " [%s]", a.Job)
	}
	b.WriteString(" " + a.Message)

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, a.Details[k])
	}
	b.WriteByte('\n')

	_, err := io.WriteString(s.out, b.String())
	return err
}
