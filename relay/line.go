package relay

import (
	"bufio"
	"bytes"
	"io"

	"github.com/juju/errors"
)

var ErrLineTooLong = errors.New("line exceeds read limit")

// LineDecoder splits stream on '\n'. Bytes of an incomplete line survive
// read errors such as deadline expiry and are continued by next Read.
type LineDecoder struct {
	r   *bufio.Reader
	buf bytes.Buffer
	max int
}

func NewLineDecoder(r io.Reader, max int) *LineDecoder {
	return &LineDecoder{r: bufio.NewReaderSize(r, 4<<10), max: max}
}

// Read returns next non-empty line without delimiter and surrounding space.
func (d *LineDecoder) Read() ([]byte, error) {
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.buf.Write(chunk)
		if d.max > 0 && d.buf.Len() > d.max+1 {
			d.buf.Reset()
			return nil, ErrLineTooLong
		}
		switch err {
		case nil:
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if d.buf.Len() > 0 && len(bytes.TrimSpace(d.buf.Bytes())) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}

		line := bytes.TrimSpace(d.buf.Bytes())
		if len(line) == 0 {
			d.buf.Reset()
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		d.buf.Reset()
		return out, nil
	}
}

// Buffered is size of incomplete line kept since last delimiter.
func (d *LineDecoder) Buffered() int { return d.buf.Len() }
