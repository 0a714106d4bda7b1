// Package ui renders the terminal output of the sapcast commands: session
// tables, event lines and summary cards.
package ui

import (
	"os"

	"golang.org/x/term"
)

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Dim     = "\033[2m"
	Cyan    = "\033[36m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Red     = "\033[31m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
)

// Box drawing characters
const (
	BoxTopLeft     = "╭"
	BoxTopRight    = "╮"
	BoxBottomLeft  = "╰"
	BoxBottomRight = "╯"
	BoxHorizontal  = "─"
	BoxVertical    = "│"
	BoxTeeRight    = "├"
	BoxTeeLeft     = "┤"
)

// Event kinds shown by RenderEvent
const (
	EventNew      = "new"
	EventUpdate   = "update"
	EventRefresh  = "refresh"
	EventWithdraw = "withdraw"
	EventExpire   = "expire"
	EventReplace  = "replace"
	EventStop     = "stop"
)

var eventColors = map[string]string{
	EventNew:      Green + Bold,
	EventUpdate:   Cyan,
	EventRefresh:  Dim,
	EventWithdraw: Magenta,
	EventExpire:   Yellow,
	EventReplace:  Blue,
	EventStop:     Red,
}

var (
	colorEnabled = true
	isTTY        = true
)

func init() {
	// https://no-color.org/
	if os.Getenv("NO_COLOR") != "" {
		colorEnabled = false
	}
	isTTY = term.IsTerminal(int(os.Stdout.Fd()))
	if !isTTY {
		colorEnabled = false
	}
}

// SetNoColor disables color output
func SetNoColor(disable bool) {
	if disable {
		colorEnabled = false
	}
}

// IsTTY returns whether stdout is a terminal
func IsTTY() bool {
	return isTTY
}

// TerminalWidth returns the width of stdout, or fallback when it is not a
// terminal.
func TerminalWidth(fallback int) int {
	if !isTTY {
		return fallback
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// Color wraps text with an ANSI color code
func Color(code, text string) string {
	if !colorEnabled {
		return text
	}
	return code + text + Reset
}
