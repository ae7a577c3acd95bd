package link

import (
	"bytes"
	"compress/flate"

	"github.com/kofany/ircwars/internal/ircdlog"
)

// zipStage is the optional compressor sitting between outbuf and dbuf for
// a server link that negotiated compression (spec.md §4.1 "Optional
// compression", §9 "kept as a capability, not a mandate"). Negotiation
// itself is a dispatcher/handshake concern, out of scope here; this type
// only implements the drain-through-compressor mechanics.
type zipStage struct {
	w   *flate.Writer
	buf bytes.Buffer
}

func newZipStage() *zipStage {
	w, _ := flate.NewWriter(nil, flate.DefaultCompression)
	return &zipStage{w: w}
}

// compress runs raw through the flate writer and flushes it into a block
// suitable for appending to the dbuf. Flushing (rather than closing) keeps
// the stream usable for subsequent blocks.
func (z *zipStage) compress(raw []byte) []byte {
	z.buf.Reset()
	z.w.Reset(&z.buf)
	if _, err := z.w.Write(raw); err != nil {
		ircdlog.Error("zip: compress: %v", err)
		return raw
	}
	if err := z.w.Flush(); err != nil {
		ircdlog.Error("zip: flush: %v", err)
		return raw
	}
	out := make([]byte, z.buf.Len())
	copy(out, z.buf.Bytes())
	return out
}
