package streamcore

import (
	"bufio"
	"errors"
	"io"
	"os"
)

var errNotAHeaderLine = errors.New("streamcore: first line is not a header")

// readHeaderLine reads just the first line of the recording regardless of
// any replay offset, per the Pruner's contract that header lookup is always
// a separate read from byte 0.
func readHeaderLine(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}

	header, _, perr := ParseLine([]byte(line))
	if perr != nil || header == nil {
		return nil, errNotAHeaderLine
	}
	return header, nil
}

// readFrom reads the file from the given byte offset to EOF, clamping the
// offset to the file's current size. It returns the data read and the
// (possibly clamped) offset the data starts at.
func readFrom(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	size := info.Size()
	if offset < 0 {
		offset = 0
	}
	if offset > size {
		offset = size
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	return data, offset, nil
}

// splitLines splits data into complete newline-terminated lines (the
// newline itself is stripped). Any trailing partial line is discarded; the
// Pruner only ever needs complete lines from a single closed-over read.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	return lines
}
