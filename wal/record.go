package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/hazyhaar/liaison/envelope"
)

// Record is one durable lifecycle transition: the full envelope (payload
// included) plus the host that owns the message at that point. Replay
// republishes non-terminal records into the owner's queue.
type Record struct {
	Seq      uint64             `json:"seq"`
	Project  string             `json:"project,omitempty"`
	Owner    string             `json:"owner"`
	LoggedAt time.Time          `json:"logged_at"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// Frame layout: u32 body length, u32 CRC-32 (IEEE) of the body, body JSON.
// Self-delimiting so a scan never needs out-of-band indexes, and the CRC
// catches torn or bit-rotted tails.
const frameHeaderSize = 8

// maxRecordSize guards the scanner against a corrupt length word.
const maxRecordSize = 64 << 20

// CorruptRecordError reports a record that failed its CRC or length check.
// During replay this usually marks the torn tail of the last segment.
type CorruptRecordError struct {
	Segment string
	Offset  int64
	Reason  string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("wal: corrupt record in %s at offset %d: %s", e.Segment, e.Offset, e.Reason)
}

func encodeRecord(rec *Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wal: encode record seq %d: %w", rec.Seq, err)
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// readRecord decodes the next frame from r. Returns io.EOF at a clean
// record boundary and *CorruptRecordError for torn or damaged frames.
func readRecord(r io.Reader, segment string, offset int64) (*Record, int64, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		// A partial header is a torn tail.
		return nil, 0, &CorruptRecordError{Segment: segment, Offset: offset, Reason: "partial header"}
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if length == 0 || length > maxRecordSize {
		return nil, 0, &CorruptRecordError{Segment: segment, Offset: offset, Reason: fmt.Sprintf("implausible length %d", length)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, &CorruptRecordError{Segment: segment, Offset: offset, Reason: "partial body"}
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, 0, &CorruptRecordError{Segment: segment, Offset: offset, Reason: "crc mismatch"}
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, 0, &CorruptRecordError{Segment: segment, Offset: offset, Reason: "bad json: " + err.Error()}
	}
	return &rec, int64(frameHeaderSize) + int64(length), nil
}
