// Package pipe implements the framed wire protocol spoken over the named
// pipe (a unix socket or TCP endpoint in this rendition): each message is a
// 2-byte little-endian payload length followed by a UTF-16LE payload of
// comma-separated key=value tokens.
package pipe

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

const maxFrameBytes = 0xFFFF

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// WriteFrame encodes payload as UTF-16LE and writes it length-prefixed.
func WriteFrame(w io.Writer, payload string) error {
	data, err := utf16le.NewEncoder().Bytes([]byte(payload))
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes its UTF-16LE payload.
func ReadFrame(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(hdr[:])

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("reading frame payload: %w", err)
	}

	decoded, err := utf16le.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decoding frame: %w", err)
	}
	return string(decoded), nil
}
