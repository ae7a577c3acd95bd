package link

import "fmt"

// MaxLine is the maximum size of one outbound IRC line including the CRLF
// terminator (spec.md §4.1, §6).
const MaxLine = 512

// MaxPayload is the maximum payload length before truncation kicks in:
// MaxLine minus the two-byte CRLF terminator.
const MaxPayload = MaxLine - 2

// scratchSize is the size of the single scratch formatting buffer used per
// prepare path (spec.md §4.1 "A single scratch formatting buffer of 2048
// bytes per prepare path is sufficient").
const scratchSize = 2048

// RenderLine formats format/args once and appends a CRLF terminator,
// truncating the payload at MaxPayload bytes (not runes — spec.md §6, and
// SPEC_FULL.md §5 byte-oriented truncation note) rather than splitting
// across multiple lines.
func RenderLine(format string, args ...interface{}) []byte {
	buf := make([]byte, 0, scratchSize)
	buf = appendSprintf(buf, format, args...)

	if len(buf) > MaxPayload {
		buf = buf[:MaxPayload]
	}
	buf = append(buf, '\r', '\n')
	return buf
}

func appendSprintf(dst []byte, format string, args ...interface{}) []byte {
	s := fmt.Sprintf(format, args...)
	return append(dst, s...)
}
