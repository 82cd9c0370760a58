// Package ui provides terminal output helpers for despatchctl.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

var (
	out        io.Writer = os.Stdout
	errOut     io.Writer = os.Stderr
	quietSpins bool
)

// Init configures color output. Spinners are disabled when stderr is not
// a terminal or colors are off.
func Init(noColor bool) {
	if noColor {
		color.NoColor = true
	}
	quietSpins = color.NoColor
}

// SetOutput redirects normal and error output, mainly for tests.
func SetOutput(stdout, stderr io.Writer) {
	out, errOut = stdout, stderr
	quietSpins = true
}

// Spinner wraps a spinner for indeterminate progress.
type Spinner struct {
	spinner *spinner.Spinner
}

func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = errOut
	return &Spinner{spinner: s}
}

func (s *Spinner) Start() {
	if !quietSpins {
		s.spinner.Start()
	}
}

func (s *Spinner) Stop() {
	s.spinner.Stop()
}

func (s *Spinner) UpdateMessage(message string) {
	s.spinner.Lock()
	s.spinner.Suffix = " " + message
	s.spinner.Unlock()
}

func Success(format string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	fmt.Fprintf(errOut, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

func Warning(format string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", color.CyanString("ℹ"), fmt.Sprintf(format, args...))
}

// Section prints an underlined header.
func Section(title string) {
	fmt.Fprintf(out, "\n%s\n%s\n", color.New(color.Bold).Sprint(title), strings.Repeat("=", len(title)))
}

func KeyValue(key, value string) {
	fmt.Fprintf(out, "  %s: %s\n", color.New(color.Faint).Sprint(key), value)
}

// Table prints rows aligned under headers.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	sep := make([]string, len(headers))
	for i, h := range headers {
		sep[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(sep, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// Raw prints text unchanged.
func Raw(text string) {
	fmt.Fprintln(out, text)
}

func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
