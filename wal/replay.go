package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

type scanResult struct {
	records    []*Record
	lastSeq    uint64
	intactSize int64
	torn       bool
}

// scanSegment reads every intact record of one segment. A corrupt record
// marks the end of the intact prefix; everything before it is returned and
// the damage is logged, not fatal, since a torn tail is the normal shape of
// a crash.
func scanSegment(path string, logger *slog.Logger) (*scanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close()

	res := &scanResult{}
	name := filepath.Base(path)
	for {
		rec, n, err := readRecord(f, name, res.intactSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			var corrupt *CorruptRecordError
			if errors.As(err, &corrupt) {
				logger.Warn("wal: segment has a torn tail, truncating scan",
					"segment", name, "offset", corrupt.Offset, "reason", corrupt.Reason)
				res.torn = true
				return res, nil
			}
			return nil, err
		}
		res.records = append(res.records, rec)
		if rec.Seq > res.lastSeq {
			res.lastSeq = rec.Seq
		}
		res.intactSize += n
	}
}

// ReplayResult is the recovered state of the log.
type ReplayResult struct {
	// Live holds, per message, the latest record whose state is not
	// terminal, ordered by write order of that latest record. These are the
	// in-flight messages to republish into their owners' queues.
	Live []*Record
	// Scanned counts all intact records across all segments.
	Scanned int
	// Torn reports whether any segment ended in a damaged record.
	Torn bool
}

// Replay scans every segment in order and resolves the per-message final
// state: the latest record per message_id wins; messages whose latest state
// is terminal are done and excluded. Call before traffic starts: replay
// reads segment files directly and does not coordinate with appends.
func (l *Log) Replay() (*ReplayResult, error) {
	segs, err := l.segments()
	if err != nil {
		return nil, err
	}
	res := &ReplayResult{}
	latest := make(map[string]*Record)
	order := make(map[string]int) // message_id -> position of latest record
	pos := 0
	for _, seg := range segs {
		scan, err := scanSegment(seg.path, l.logger)
		if err != nil {
			return nil, err
		}
		if scan.torn {
			res.Torn = true
		}
		for _, rec := range scan.records {
			res.Scanned++
			if rec.Envelope == nil || rec.Envelope.MessageID == "" {
				l.logger.Warn("wal: record without message id", "seq", rec.Seq)
				continue
			}
			latest[rec.Envelope.MessageID] = rec
			order[rec.Envelope.MessageID] = pos
			pos++
		}
	}

	live := make([]*Record, 0, len(latest))
	for _, rec := range latest {
		if !rec.Envelope.State.Terminal() {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return order[live[i].Envelope.MessageID] < order[live[j].Envelope.MessageID]
	})
	res.Live = live
	return res, nil
}

// Compact rewrites the live set into the active segment and deletes all
// older segments. Run at startup, after Replay and before traffic: terminal
// records no longer pay their scan cost on the next boot.
//
// Safe ordering: the live records are appended (and fsynced) to the current
// active segment first; only then are the old segments unlinked.
func (l *Log) Compact(live []*Record) error {
	segs, err := l.segments()
	if err != nil {
		return err
	}
	if len(segs) <= 1 && len(live) == 0 {
		return nil
	}

	var buf []byte
	for _, rec := range live {
		l.nextSeq++
		cp := *rec
		cp.Seq = l.nextSeq
		frame, err := encodeRecord(&cp)
		if err != nil {
			return &DurabilityError{Op: "compact-encode", Err: err}
		}
		buf = append(buf, frame...)
	}

	// Roll onto a fresh segment so old ones can be removed wholesale.
	if err := l.rotate(); err != nil {
		return &DurabilityError{Op: "compact-rotate", Err: err}
	}
	if len(buf) > 0 {
		if _, err := l.active.Write(buf); err != nil {
			return &DurabilityError{Op: "compact-write", Err: err}
		}
		if err := l.active.Sync(); err != nil {
			return &DurabilityError{Op: "compact-fsync", Err: err}
		}
		l.activeSize += int64(len(buf))
	}

	removed := 0
	for _, seg := range segs {
		if seg.seq == l.activeSeq {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			l.logger.Warn("wal: compact could not remove segment", "segment", seg.path, "error", err)
			continue
		}
		removed++
	}
	l.logger.Info("wal: compacted", "live", len(live), "segments_removed", removed)
	return nil
}
