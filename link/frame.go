package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// FrameReader decodes envelopes framed by a 4-byte big-endian length.
type FrameReader struct {
	reader io.Reader
	limits envelope.Limits
}

// NewFrameReader reads from r with the default limits.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: envelope.DefaultLimits(),
	}
}

// SetLimits applies negotiated limits to frames read from now on.
func (fr *FrameReader) SetLimits(limits envelope.Limits) {
	fr.limits = limits.Normalize()
}

// ReadEnvelope blocks until one whole frame has arrived.
func (fr *FrameReader) ReadEnvelope() (*envelope.Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.reader, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if int(length) > fr.limits.MaxFrame {
		return nil, fmt.Errorf("frame size %d exceeds max_frame limit %d", length, fr.limits.MaxFrame)
	}
	if int(length) > envelope.MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, envelope.MaxFrameHardLimit)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, body); err != nil {
		return nil, err
	}
	return envelope.Decode(body)
}

// FrameWriter is the sending half of FrameReader.
type FrameWriter struct {
	writer io.Writer
	limits envelope.Limits
}

// NewFrameWriter writes to w with the default limits.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: envelope.DefaultLimits(),
	}
}

// SetLimits applies negotiated limits to frames written from now on.
func (fw *FrameWriter) SetLimits(limits envelope.Limits) {
	fw.limits = limits.Normalize()
}

// WriteEnvelope encodes env and writes it as one frame.
func (fw *FrameWriter) WriteEnvelope(env *envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if len(body) > fw.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max_frame limit %d", len(body), fw.limits.MaxFrame)
	}

	// Prefix and body go out in one write so concurrent writers cannot interleave.
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = fw.writer.Write(buf)
	return err
}
