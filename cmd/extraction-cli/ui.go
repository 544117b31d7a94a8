// Package main provides UI utilities for the extraction CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// ProgressBar wraps a progressbar instance for deterministic progress
// display. A nil ProgressBar is valid and ignores every call, so callers can
// skip construction in JSON mode without guarding each update.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a progress bar with the given total and description.
// It renders to stderr so stdout stays parseable.
func NewProgressBar(total int64, description string) *ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)

	return &ProgressBar{bar: bar}
}

// Set moves the progress bar to the given position.
func (p *ProgressBar) Set(current int64) {
	if p == nil {
		return
	}
	_ = p.bar.Set64(current)
}

// Finish completes the progress bar and clears the line.
func (p *ProgressBar) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}

// Spinner wraps a spinner instance for indeterminate progress display. A nil
// Spinner is valid and ignores every call.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	if s == nil {
		return
	}
	s.spinner.Start()
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	if s == nil {
		return
	}
	s.spinner.Stop()
}

// UpdateMessage updates the spinner's message.
func (s *Spinner) UpdateMessage(message string) {
	if s == nil {
		return
	}
	s.spinner.Suffix = " " + message
}

// success prints a success message.
func success(format string, args ...any) {
	if outputJSON {
		return
	}
	if noColor {
		fmt.Printf("✓ %s\n", fmt.Sprintf(format, args...))
	} else {
		color.New(color.FgGreen).Printf("✓ %s\n", fmt.Sprintf(format, args...))
	}
}

// warning prints a warning message.
func warning(format string, args ...any) {
	if outputJSON {
		return
	}
	if noColor {
		fmt.Printf("⚠ %s\n", fmt.Sprintf(format, args...))
	} else {
		color.New(color.FgYellow).Printf("⚠ %s\n", fmt.Sprintf(format, args...))
	}
}

// info prints an info message.
func info(format string, args ...any) {
	if outputJSON {
		return
	}
	if noColor {
		fmt.Printf("ℹ %s\n", fmt.Sprintf(format, args...))
	} else {
		color.New(color.FgCyan).Printf("ℹ %s\n", fmt.Sprintf(format, args...))
	}
}

// step prints a step message.
func step(format string, args ...any) {
	if outputJSON {
		return
	}
	if noColor {
		fmt.Printf("→ %s\n", fmt.Sprintf(format, args...))
	} else {
		color.New(color.FgBlue).Printf("→ %s\n", fmt.Sprintf(format, args...))
	}
}

// keyValue prints an indented key-value pair.
func keyValue(key string, value any) {
	if outputJSON {
		return
	}
	if noColor {
		fmt.Printf("  %s: %v\n", key, value)
	} else {
		color.New(color.FgYellow).Printf("  %s: ", key)
		fmt.Printf("%v\n", value)
	}
}
