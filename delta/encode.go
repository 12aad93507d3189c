package delta

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
)

const formatVersion = 1

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil)
)

// MarshalBinary encodes d as a version byte,
// the reference and target refs,
// and a zstd-compressed op stream.
// Copy offsets are stored relative to the reference cursor,
// so in-order copies cost a single byte.
func (d *Delta) MarshalBinary() ([]byte, error) {
	var (
		stream []byte
		cursor int
	)
	stream = binary.AppendUvarint(stream, uint64(len(d.Ops)))
	for _, op := range d.Ops {
		stream = append(stream, byte(op.Kind))
		switch op.Kind {
		case Copy:
			stream = binary.AppendVarint(stream, int64(op.Offset-cursor))
			stream = binary.AppendUvarint(stream, uint64(op.Len))
			cursor = op.Offset + op.Len
		case Skip:
			stream = binary.AppendUvarint(stream, uint64(op.Len))
			cursor += op.Len
		case Insert:
			stream = binary.AppendUvarint(stream, uint64(len(op.Data)))
			stream = append(stream, op.Data...)
		default:
			return nil, fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}

	out := make([]byte, 0, 1+2*len(d.Reference)+len(stream)/2)
	out = append(out, formatVersion)
	out = append(out, d.Reference[:]...)
	out = append(out, d.Target[:]...)
	return encoder.EncodeAll(stream, out), nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (d *Delta) UnmarshalBinary(b []byte) error {
	const headerLen = 1 + 2*len(seqvault.Zero)
	if len(b) < headerLen {
		return errors.New("delta too short")
	}
	if b[0] != formatVersion {
		return fmt.Errorf("unknown delta format version %d", b[0])
	}
	d.Reference = seqvault.RefFromBytes(b[1:33])
	d.Target = seqvault.RefFromBytes(b[33:65])

	stream, err := decoder.DecodeAll(b[headerLen:], nil)
	if err != nil {
		return errors.Wrap(err, "decompressing op stream")
	}

	r := &reader{buf: stream}
	n := r.uvarint()
	if r.err == nil && n > uint64(len(stream)) {
		return fmt.Errorf("op count %d exceeds stream length", n)
	}
	d.Ops = make([]Op, 0, n)
	var cursor int
	for i := uint64(0); i < n && r.err == nil; i++ {
		op := Op{Kind: OpKind(r.byte())}
		switch op.Kind {
		case Copy:
			op.Offset = cursor + int(r.varint())
			op.Len = int(r.uvarint())
			cursor = op.Offset + op.Len
		case Skip:
			op.Len = int(r.uvarint())
			cursor += op.Len
		case Insert:
			op.Data = r.bytes(int(r.uvarint()))
		default:
			if r.err == nil {
				r.err = fmt.Errorf("op %d: unknown kind %d", i, op.Kind)
			}
		}
		d.Ops = append(d.Ops, op)
	}
	if r.err != nil {
		return errors.Wrap(r.err, "decoding op stream")
	}
	if len(r.buf) > 0 {
		return fmt.Errorf("%d trailing bytes in op stream", len(r.buf))
	}
	return nil
}

// EncodedSize is the length of d's binary encoding.
func (d *Delta) EncodedSize() (int, error) {
	b, err := d.MarshalBinary()
	return len(b), err
}

type reader struct {
	buf []byte
	err error
}

var errShort = errors.New("short op stream")

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.err = errShort
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errShort
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errShort
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = errShort
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}
