package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// StepSpinner animates sequential startup steps. On a TTY it shows a
// braille spinner next to the step message; with noSpin it prints plain
// text so piped and CI output stays clean.
type StepSpinner struct {
	w      io.Writer
	s      *spinner.Spinner
	msg    string
	active bool
	noSpin bool
}

// NewStepSpinner creates a spinner writing to w. Pass noSpin=true for
// non-interactive environments.
func NewStepSpinner(w io.Writer, noSpin bool) *StepSpinner {
	return &StepSpinner{w: w, noSpin: noSpin}
}

// Start begins a named step.
func (ss *StepSpinner) Start(msg string) {
	ss.msg = msg
	if ss.noSpin {
		fmt.Fprintf(ss.w, "  %s", msg)
		return
	}
	ss.s = spinner.New(
		spinner.CharSets[14], // braille dots: ⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏
		80*time.Millisecond,
		spinner.WithWriter(ss.w),
	)
	ss.s.Prefix = "  "
	ss.s.Suffix = " " + msg
	ss.s.Start()
	ss.active = true
}

// Done ends the current step with a green check.
func (ss *StepSpinner) Done() {
	ss.finish(StyleSuccess.Render(SymbolCheck))
}

// Fail ends the current step with a red cross.
func (ss *StepSpinner) Fail() {
	ss.finish(StyleError.Render(SymbolCross))
}

// Stop halts the spinner without printing a status, for cleanup paths.
func (ss *StepSpinner) Stop() {
	if ss.s != nil && ss.active {
		ss.s.Stop()
		ss.active = false
	}
}

func (ss *StepSpinner) finish(symbol string) {
	if ss.noSpin {
		fmt.Fprintf(ss.w, " %s\n", symbol)
		return
	}
	ss.Stop()
	fmt.Fprintf(ss.w, "\r  %s %s\n", ss.msg, symbol)
}
