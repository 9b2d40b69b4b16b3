package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
)

// ReadLines decodes every complete JSON line from r. A partial final line
// (torn write, missing newline, truncated JSON) is dropped; everything
// before it is returned intact.
func ReadLines(r io.Reader) ([]json.RawMessage, error) {
	var out []json.RawMessage
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			return out, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if json.Valid(line) {
				out = append(out, json.RawMessage(append([]byte(nil), line...)))
			} else if complete {
				// A malformed interior line is unexpected; surface it
				// rather than silently skipping history.
				return out, errors.New("audit: malformed interior line")
			}
			// An invalid final fragment is the tolerated torn write.
		}
		if !complete {
			return out, nil
		}
	}
}

// ReadFile is ReadLines over a log file. A missing file reads as empty.
func ReadFile(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadLines(f)
}
