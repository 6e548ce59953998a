package docker

import (
	"io"
	"regexp"
)

// color codes, cursor moves and OSC sequences emitted by pip and pytest
var ansiEscape = regexp.MustCompile("[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")

type ansiStrippingWriter struct {
	underlying io.Writer
}

func stripANSI(w io.Writer) io.Writer {
	return &ansiStrippingWriter{underlying: w}
}

// Write reports len(p) on success, not the stripped length.
func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	if _, err := w.underlying.Write(ansiEscape.ReplaceAll(p, nil)); err != nil {
		return 0, err
	}
	return len(p), nil
}
