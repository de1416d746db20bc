package recorder

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/tphakala/lightfield/internal/errors"
)

// Artifact layout, all integers big-endian:
//
//	header: "LFR1" | u16 version | u16 len | stream id | i64 start (unix ns)
//	entry:  u64 seq | i64 timestamp (unix ns) | u32 len | u32 crc32 | payload
const (
	artifactMagic   = "LFR1"
	artifactVersion = 1

	entryHeaderSize = 8 + 8 + 4 + 4
	maxStreamIDLen  = 1<<16 - 1
	maxPayloadSize  = 64 << 20
)

// ArtifactExt is the file extension of recording artifacts.
const ArtifactExt = ".lfr"

// Header describes an artifact.
type Header struct {
	Version  uint16
	StreamID string
	Start    time.Time
}

// Entry is one recorded unit.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
}

// Writer appends entries to an artifact. Each entry is issued as a single
// Write call on the underlying writer.
type Writer struct {
	w       io.Writer
	buf     []byte
	lastSeq uint64
	entries uint64
}

// NewWriter writes the artifact header and returns a writer for entries.
func NewWriter(w io.Writer, streamID string, start time.Time) (*Writer, error) {
	if len(streamID) > maxStreamIDLen {
		return nil, errors.Newf("stream id too long: %d bytes", len(streamID)).
			Component("recorder").
			Category(errors.CategoryValidation).
			Build()
	}
	hdr := make([]byte, 0, 4+2+2+len(streamID)+8)
	hdr = append(hdr, artifactMagic...)
	hdr = binary.BigEndian.AppendUint16(hdr, artifactVersion)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(streamID)))
	hdr = append(hdr, streamID...)
	hdr = binary.BigEndian.AppendUint64(hdr, uint64(start.UnixNano()))
	if _, err := w.Write(hdr); err != nil {
		return nil, recordingError(err, "write header")
	}
	return &Writer{w: w}, nil
}

// WriteEntry appends one entry. Sequences must be strictly increasing.
func (w *Writer) WriteEntry(seq uint64, ts time.Time, payload []byte) error {
	if w.entries > 0 && seq <= w.lastSeq {
		return errors.Newf("sequence %d not after %d", seq, w.lastSeq).
			Component("recorder").
			Category(errors.CategoryRecording).
			Context("sequence", seq).
			Build()
	}
	if len(payload) > maxPayloadSize {
		return errors.Newf("payload of %d bytes exceeds limit", len(payload)).
			Component("recorder").
			Category(errors.CategoryRecording).
			Build()
	}

	w.buf = w.buf[:0]
	w.buf = binary.BigEndian.AppendUint64(w.buf, seq)
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(ts.UnixNano()))
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(payload)))
	w.buf = binary.BigEndian.AppendUint32(w.buf, crc32.ChecksumIEEE(payload))
	w.buf = append(w.buf, payload...)
	if _, err := w.w.Write(w.buf); err != nil {
		return recordingError(err, "write entry")
	}
	w.lastSeq = seq
	w.entries++
	return nil
}

// Entries returns the number of entries written.
func (w *Writer) Entries() uint64 { return w.entries }

// Reader reads entries back in order.
type Reader struct {
	r       io.Reader
	header  Header
	lastSeq uint64
	count   uint64
	scratch [entryHeaderSize]byte
}

// OpenReader parses the artifact header.
func OpenReader(r io.Reader) (*Reader, error) {
	var fixed [4 + 2 + 2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, truncated(err, "header")
	}
	if string(fixed[:4]) != artifactMagic {
		return nil, errors.Newf("not a recording artifact").
			Component("recorder").
			Category(errors.CategoryRecording).
			Build()
	}
	version := binary.BigEndian.Uint16(fixed[4:])
	if version != artifactVersion {
		return nil, errors.Newf("unsupported artifact version %d", version).
			Component("recorder").
			Category(errors.CategoryRecording).
			Build()
	}
	idLen := binary.BigEndian.Uint16(fixed[6:])
	rest := make([]byte, int(idLen)+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, truncated(err, "header")
	}
	return &Reader{
		r: r,
		header: Header{
			Version:  version,
			StreamID: string(rest[:idLen]),
			Start:    time.Unix(0, int64(binary.BigEndian.Uint64(rest[idLen:]))),
		},
	}, nil
}

// Header returns the parsed artifact header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next entry, or io.EOF at a clean end of the artifact.
func (r *Reader) Next() (Entry, error) {
	n, err := io.ReadFull(r.r, r.scratch[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, truncated(err, "entry header")
	}

	b := r.scratch[:]
	seq := binary.BigEndian.Uint64(b[0:])
	ts := int64(binary.BigEndian.Uint64(b[8:]))
	size := binary.BigEndian.Uint32(b[16:])
	sum := binary.BigEndian.Uint32(b[20:])

	if size > maxPayloadSize {
		return Entry{}, errors.Newf("entry payload of %d bytes exceeds limit", size).
			Component("recorder").
			Category(errors.CategoryRecording).
			Context("sequence", seq).
			Build()
	}
	if r.count > 0 && seq <= r.lastSeq {
		return Entry{}, errors.Newf("sequence %d not after %d", seq, r.lastSeq).
			Component("recorder").
			Category(errors.CategoryRecording).
			Context("sequence", seq).
			Build()
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Entry{}, truncated(err, "entry payload")
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return Entry{}, errors.Newf("checksum mismatch at sequence %d", seq).
			Component("recorder").
			Category(errors.CategoryRecording).
			Context("sequence", seq).
			Build()
	}

	r.lastSeq = seq
	r.count++
	return Entry{Sequence: seq, Timestamp: time.Unix(0, ts), Payload: payload}, nil
}

func truncated(err error, what string) error {
	return errors.New(fmt.Errorf("truncated artifact %s: %w", what, err)).
		Component("recorder").
		Category(errors.CategoryRecording).
		Build()
}

func recordingError(err error, op string) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("recorder").
		Category(errors.CategoryRecording).
		Context("operation", op).
		Build()
}
