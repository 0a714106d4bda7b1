package ui

import (
	"strings"
)

// Field is one labelled line of a card
type Field struct {
	Label string
	Value string
}

// CardOptions configures a card
type CardOptions struct {
	Title string
	// Fields are printed in order, labels aligned
	Fields []Field
	// Note is wrapped under a separator when set
	Note  string
	Width int
}

// RenderCard draws a boxed summary, used for the session a sender
// announces and the session a player opens.
func RenderCard(opts CardOptions) string {
	width := opts.Width
	if width <= 0 {
		width = 70
	}

	labelWidth := 0
	for _, f := range opts.Fields {
		if n := len(f.Label) + 1; n > labelWidth {
			labelWidth = n
		}
	}

	var sb strings.Builder

	title := " " + opts.Title + " "
	topPadding := width - 4 - visibleLength(title)
	if topPadding < 0 {
		topPadding = 0
	}
	sb.WriteString(Color(Cyan, BoxTopLeft+strings.Repeat(BoxHorizontal, 2)))
	sb.WriteString(Color(Cyan+Bold, title))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, topPadding)+BoxTopRight))
	sb.WriteString("\n")

	for _, f := range opts.Fields {
		label := f.Label + ":"
		value := truncate(f.Value, width-labelWidth-5)
		line := Color(Dim, label) + strings.Repeat(" ", labelWidth-len(label)+1) + value
		writeCardLine(&sb, line, width)
	}

	if opts.Note != "" {
		sb.WriteString(Color(Cyan, BoxTeeRight+strings.Repeat(BoxHorizontal, width-2)+BoxTeeLeft))
		sb.WriteString("\n")
		for _, line := range wrapText(opts.Note, width-4) {
			writeCardLine(&sb, line, width)
		}
	}

	sb.WriteString(Color(Cyan, BoxBottomLeft+strings.Repeat(BoxHorizontal, width-2)+BoxBottomRight))
	sb.WriteString("\n")
	return sb.String()
}

func writeCardLine(sb *strings.Builder, line string, width int) {
	sb.WriteString(Color(Cyan, BoxVertical))
	sb.WriteString(" ")
	sb.WriteString(line)
	if padding := width - 3 - visibleLength(line); padding > 0 {
		sb.WriteString(strings.Repeat(" ", padding))
	}
	sb.WriteString(Color(Cyan, BoxVertical))
	sb.WriteString("\n")
}

// truncate shortens a string if it exceeds maxLen
func truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		return s
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// wrapText wraps text to fit within the specified width
func wrapText(s string, width int) []string {
	if width <= 0 {
		return []string{s}
	}

	var lines []string
	words := strings.Fields(s)
	var current string

	for _, word := range words {
		if len(current)+len(word)+1 > width {
			if current != "" {
				lines = append(lines, current)
			}
			current = word
		} else {
			if current != "" {
				current += " "
			}
			current += word
		}
	}

	if current != "" {
		lines = append(lines, current)
	}

	return lines
}
