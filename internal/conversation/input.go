package conversation

import (
	"strings"
)

// Input area sizing, in pixels.
const (
	MinInputHeight = 60
	MaxInputHeight = 150

	inputLineHeight = 24
	inputPadding    = 16
)

// InputHeight returns the height of the browser input area for text. The area grows with its
// content from MinInputHeight and stops at MaxInputHeight, after which it scrolls.
func InputHeight(text string) int {
	h := inputPadding + lineCount(text)*inputLineHeight
	return min(max(h, MinInputHeight), MaxInputHeight)
}

// InputRows returns the number of rows the terminal input needs for text, capped at maxRows.
func InputRows(text string, maxRows int) int {
	return min(max(lineCount(text), 1), max(maxRows, 1))
}

func lineCount(text string) int {
	return strings.Count(text, "\n") + 1
}
