package hosts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hl7"
)

// Built-in transform names.
const (
	TransformStripNotes = "hl7.strip_notes"
	TransformRedactPID  = "hl7.redact_pid"
	TransformMarkUrgent = "mark_urgent"
)

// BuiltinTransforms returns a registry preloaded with the generic rewrites.
// Site builds register their own on top; a multi_process item resolves its
// handler (the item name) against the same registry from the worker binary,
// so anything registered here is callable from both sides of the pipe.
func BuiltinTransforms() *Transforms {
	t := NewTransforms()
	t.Register(TransformStripNotes, StripNotes)
	t.Register(TransformRedactPID, RedactPID)
	t.Register(TransformMarkUrgent, MarkUrgent)
	return t
}

// StripNotes derives a copy of the message with every NTE segment removed,
// for receivers that reject notes.
func StripNotes(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	msg, err := parsePayload(env)
	if err != nil {
		return nil, fmt.Errorf("strip_notes: %w", err)
	}
	kept := make([][]byte, 0, msg.SegmentCount())
	for _, seg := range msg.Segments() {
		if len(seg) >= 3 && string(seg[:3]) == "NTE" {
			continue
		}
		kept = append(kept, seg)
	}
	return deriveSegments(env, kept), nil
}

// pidIdentifying lists the PID fields blanked by RedactPID: name (5), date of
// birth (7), alias (9), address (11), phones (13, 14), SSN (19). PID-3, the
// medical record number, stays so the receiver can still correlate.
var pidIdentifying = []int{5, 7, 9, 11, 13, 14, 19}

// RedactPID derives a copy with the identifying PID fields blanked. Segment
// structure and field counts are preserved.
func RedactPID(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	msg, err := parsePayload(env)
	if err != nil {
		return nil, fmt.Errorf("redact_pid: %w", err)
	}
	sep := msg.Separators().Field
	out := make([][]byte, 0, msg.SegmentCount())
	for _, seg := range msg.Segments() {
		if len(seg) >= 3 && string(seg[:3]) == "PID" {
			seg = blankFields(seg, sep, pidIdentifying)
		}
		out = append(out, seg)
	}
	return deriveSegments(env, out), nil
}

// MarkUrgent derives a copy at urgent priority, so priority queues along the
// rest of the route dequeue it first.
func MarkUrgent(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("mark_urgent: message %s has no payload", env.MessageID)
	}
	return env.Derive(env.MessageType, env.Payload.Clone()).
		WithPriority(envelope.PriorityUrgent), nil
}

func parsePayload(env *envelope.Envelope) (*hl7.Message, error) {
	if env.Payload == nil || len(env.Payload.Raw) == 0 {
		return nil, fmt.Errorf("message %s has no payload", env.MessageID)
	}
	return hl7.Parse(env.Payload.Raw)
}

// deriveSegments mints the child message carrying the rewritten segments.
// Every segment gets a CR terminator, trailing one included.
func deriveSegments(env *envelope.Envelope, segs [][]byte) *envelope.Envelope {
	raw := bytes.Join(segs, []byte{'\r'})
	raw = append(raw, '\r')
	p := env.Payload.Clone()
	p.Raw = raw
	return env.Derive(env.MessageType, p)
}

// blankFields empties the listed 1-based fields. Token 0 is the segment name,
// so token n holds field n; fields past the segment's end are ignored.
func blankFields(seg []byte, sep byte, fields []int) []byte {
	tokens := bytes.Split(seg, []byte{sep})
	for _, f := range fields {
		if f > 0 && f < len(tokens) {
			tokens[f] = nil
		}
	}
	return bytes.Join(tokens, []byte{sep})
}
