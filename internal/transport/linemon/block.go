// Package linemon is the connection method backed by the legacy telephony
// driver. The driver's byte-level marshaling lives in its own service; this
// package speaks the service's line-oriented protocol: blocks of
// "Key: Value" headers terminated by a blank line, the same shape for
// events and command responses.
package linemon

import (
	"bufio"
	"io"
	"strings"
)

type header struct {
	key   string
	value string
}

// block is one parsed driver message as an ordered set of headers.
type block struct {
	headers []header
}

func (b block) get(key string) string {
	for _, h := range b.headers {
		if h.key == key {
			return h.value
		}
	}
	return ""
}

// isResponse reports whether this block acknowledges a command rather than
// announcing an event.
func (b block) isResponse() bool {
	return b.get("Response") != ""
}

func (b block) event() string {
	return b.get("Event")
}

// parser reads the driver byte stream and emits blocks.
type parser struct {
	scanner *bufio.Scanner
}

func newParser(r io.Reader) *parser {
	return &parser{scanner: bufio.NewScanner(r)}
}

// next reads the next block. Returns false at EOF.
func (p *parser) next() (block, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line marks the end of a block.
		if line == "" {
			if len(headers) > 0 {
				return block{headers: headers}, true
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// Banner and noise lines carry no ": "; skip them unless we
			// are already inside a block.
			if len(headers) == 0 {
				continue
			}
			headers = append(headers, header{key: "", value: line})
			continue
		}
		headers = append(headers, header{key: line[:idx], value: line[idx+2:]})
	}

	if len(headers) > 0 {
		return block{headers: headers}, true
	}
	return block{}, false
}
