package ui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RenderTable lays rows out in aligned columns under a bold header row.
// Cells may contain color codes; alignment uses their visible width.
func RenderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = visibleLength(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := visibleLength(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style string) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != "" {
				sb.WriteString(Color(style, cell))
			} else {
				sb.WriteString(cell)
			}
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-visibleLength(cell)+2))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(headers, Bold)
	for _, row := range rows {
		writeRow(row, "")
	}
	return sb.String()
}

// RenderEvent formats one directory event line: "15:04:05 new  Feed_A ..."
func RenderEvent(at time.Time, kind, text string) string {
	code, ok := eventColors[kind]
	if !ok {
		code = Dim
	}
	label := fmt.Sprintf("%-8s", kind)
	return fmt.Sprintf("%s %s %s", Color(Dim, at.Format("15:04:05")), Color(code, label), text)
}

// RenderAge formats how long ago t was, relative to now: "12s", "4m10s"
func RenderAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

// RenderHeader draws the title bar shown when a long-running command starts
func RenderHeader(title string, width int) string {
	titleText := " " + title + " "
	titleLen := utf8.RuneCountInString(titleText)
	leftDashes := 3
	rightDashes := width - 2 - leftDashes - titleLen
	if rightDashes < 0 {
		rightDashes = 0
	}

	var sb strings.Builder
	sb.WriteString(Color(Cyan, BoxTopLeft))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, leftDashes)))
	sb.WriteString(Color(Cyan+Bold, titleText))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, rightDashes)))
	sb.WriteString(Color(Cyan, BoxTopRight))
	sb.WriteString("\n")
	return sb.String()
}

// visibleLength returns the visible length of a string, ignoring ANSI codes
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// RenderError formats an error message
func RenderError(err error) string {
	return Color(Red, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return Color(Green, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Color(Dim, msg)
}
