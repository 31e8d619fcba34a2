package streamcore

import "strings"

// clearSequence is the ANSI "erase saved lines" sequence (ESC [ 3 J). The
// Pruner scans for exactly this sequence and nothing wider: terminal-clear
// detection here is a raw substring scan over the payload bytes, not a
// terminal emulation, and escape sequences split across two output events
// are not detected. This mirrors observed source behavior.
const clearSequence = "\x1b[3J"

// ContainsClear reports whether an output payload contains the clear
// sequence the Pruner treats as a marker that all prior content is
// discardable.
func ContainsClear(payload string) bool {
	return strings.Contains(payload, clearSequence)
}
