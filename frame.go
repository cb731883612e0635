package replhost

import "bytes"

// Control bytes for the Raw / Raw-Paste REPL wire protocol (SPEC_FULL.md §4.2).
const (
	ctrlSOH = 0x01 // enter Raw
	ctrlSTX = 0x02 // exit Raw
	ctrlETX = 0x03 // interrupt
	ctrlEOT = 0x04 // end-of-data / execute
	ctrlENQ = 0x05 // raw-paste prefix
)

// framingTerminator is the 2-byte suffix that closes every Raw/Raw-Paste
// execute response: output_region EOT error_region EOT '>' (SPEC_FULL.md
// §4.3/§8). The two EOTs are adjacent only when error_region is empty — a
// real device error sits between them, so the terminator itself is just the
// final EOT immediately followed by '>'.
var framingTerminator = []byte{ctrlEOT, '>'}

// findFramingTerminator reports the index of the framing terminator's first
// byte within buf, or -1 if the full 2-byte suffix is not yet present.
func findFramingTerminator(buf []byte) int {
	return bytes.Index(buf, framingTerminator)
}

// splitFramedPayload splits a buffer ending in the framing terminator into
// its output region and error region, per SPEC_FULL.md §4.3's framed parse:
// output_region || EOT || error_region || EOT '>'.
//
// body is normally buf with the trailing 2-byte terminator already removed
// (see findFramingTerminator): the output region, the separator EOT, then the
// error region if any. A body that still carries the final EOT (only the '>'
// removed) splits the same way; that EOT is dropped from the error region.
func splitFramedPayload(body []byte) (output, errRegion []byte) {
	idx := bytes.IndexByte(body, ctrlEOT)
	if idx < 0 {
		return body, nil
	}
	return body[:idx], bytes.TrimSuffix(body[idx+1:], []byte{ctrlEOT})
}

// rawPasteProbe is the three-byte sequence that asks the device whether it
// supports windowed Raw-Paste mode.
var rawPasteProbe = []byte{ctrlENQ, 'A', ctrlSOH}
