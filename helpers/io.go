package helpers

import (
	"expvar"
	"io"
)

// WriteAll repeats Write until b is consumed or error.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// CountReader adds every read size plus fixed overhead to V.
type CountReader struct {
	R io.Reader
	V *expvar.Int
	F int64
}

func NewCountReader(r io.Reader, v *expvar.Int, fix int64) *CountReader {
	return &CountReader{R: r, V: v, F: fix}
}

func (cr *CountReader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	if n > 0 {
		cr.V.Add(int64(n) + cr.F)
	}
	return n, err
}

type CountWriter struct {
	W io.Writer
	V *expvar.Int
	F int64
}

func NewCountWriter(w io.Writer, v *expvar.Int, fix int64) *CountWriter {
	return &CountWriter{W: w, V: v, F: fix}
}

func (cw *CountWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		cw.V.Add(int64(n) + cw.F)
	}
	return n, err
}
