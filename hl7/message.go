// Package hl7 provides the minimal HL7 v2 surface the engine needs: segment
// scanning, terser-style field access ("MSH-9.1", "PID(2)-3"), ACK/NACK
// construction, and the reply-code action mini-language used by outbound
// hosts.
//
// This is deliberately not an HL7 validator. Payload bytes stay authoritative
// and opaque; only MSH-9, MSH-10 and segment boundaries are interpreted, plus
// whatever fields a routing condition asks for.
package hl7

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Separators carries the delimiter set declared by a message's MSH segment.
type Separators struct {
	Field     byte // MSH-1, usually '|'
	Component byte // first of MSH-2, usually '^'
	Repeat    byte // second of MSH-2, usually '~'
}

// Message is a parsed view over one HL7 v2 message. The raw bytes are not
// retained; segments alias the input slice, so the input must not be
// modified while the Message is in use.
type Message struct {
	seps     Separators
	segments [][]byte
}

// ParseError reports bytes that could not be read as an HL7 v2 message.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "hl7: " + e.Reason
}

// Parse splits raw into segments and reads the delimiter declaration from
// MSH-1/MSH-2. Segment terminators \r, \n and \r\n are all accepted; empty
// segments are skipped.
func Parse(raw []byte) (*Message, error) {
	segs := splitSegments(raw)
	if len(segs) == 0 {
		return nil, &ParseError{Reason: "empty message"}
	}
	head := segs[0]
	if len(head) < 8 || !bytes.HasPrefix(head, []byte("MSH")) {
		return nil, &ParseError{Reason: "missing MSH header"}
	}
	m := &Message{
		seps: Separators{
			Field:     head[3],
			Component: head[4],
			Repeat:    head[5],
		},
		segments: segs,
	}
	return m, nil
}

func splitSegments(raw []byte) [][]byte {
	var segs [][]byte
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\r' || raw[i] == '\n' {
			if i > start {
				segs = append(segs, raw[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// Separators returns the delimiter set in use.
func (m *Message) Separators() Separators { return m.seps }

// SegmentCount returns the number of segments.
func (m *Message) SegmentCount() int { return len(m.segments) }

// Segments returns the segments in message order. The slices alias the bytes
// given to Parse.
func (m *Message) Segments() [][]byte { return m.segments }

// Segment returns the occurrence-th (1-based) segment with the given name,
// or nil when absent.
func (m *Message) Segment(name string, occurrence int) []byte {
	if occurrence < 1 {
		occurrence = 1
	}
	n := 0
	for _, seg := range m.segments {
		if len(seg) >= 3 && string(seg[:3]) == name {
			n++
			if n == occurrence {
				return seg
			}
		}
	}
	return nil
}

// FieldPath is a parsed terser path: segment name, 1-based segment
// occurrence, 1-based field number, optional 1-based component (0 = whole
// field).
type FieldPath struct {
	Segment    string
	Occurrence int
	Field      int
	Component  int
}

// ParsePath reads a terser path of the form "SEG-n", "SEG-n.m" or
// "SEG(occ)-n[.m]", with or without surrounding braces.
func ParsePath(path string) (FieldPath, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "{")
	p = strings.TrimSuffix(p, "}")

	fp := FieldPath{Occurrence: 1}

	dash := strings.IndexByte(p, '-')
	if dash < 0 {
		return fp, &ParseError{Reason: fmt.Sprintf("path %q: missing field number", path)}
	}
	segPart, fieldPart := p[:dash], p[dash+1:]

	if open := strings.IndexByte(segPart, '('); open >= 0 {
		closeIdx := strings.IndexByte(segPart, ')')
		if closeIdx < open {
			return fp, &ParseError{Reason: fmt.Sprintf("path %q: unbalanced occurrence", path)}
		}
		occ, err := strconv.Atoi(segPart[open+1 : closeIdx])
		if err != nil || occ < 1 {
			return fp, &ParseError{Reason: fmt.Sprintf("path %q: bad occurrence", path)}
		}
		fp.Occurrence = occ
		segPart = segPart[:open]
	}
	if len(segPart) != 3 {
		return fp, &ParseError{Reason: fmt.Sprintf("path %q: segment name must be 3 characters", path)}
	}
	fp.Segment = segPart

	if dot := strings.IndexByte(fieldPart, '.'); dot >= 0 {
		comp, err := strconv.Atoi(fieldPart[dot+1:])
		if err != nil || comp < 1 {
			return fp, &ParseError{Reason: fmt.Sprintf("path %q: bad component", path)}
		}
		fp.Component = comp
		fieldPart = fieldPart[:dot]
	}
	field, err := strconv.Atoi(fieldPart)
	if err != nil || field < 1 {
		return fp, &ParseError{Reason: fmt.Sprintf("path %q: bad field number", path)}
	}
	fp.Field = field
	return fp, nil
}

// Field resolves a terser path against the message. Missing segments, fields
// or components resolve to "": routing conditions compare against absent
// data all the time and that must not be an error. Only a malformed path
// errs.
func (m *Message) Field(path string) (string, error) {
	fp, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	return m.field(fp), nil
}

// MustField resolves a path that is known to be well-formed (it was parsed
// at deploy time). Returns "" on any failure.
func (m *Message) MustField(path string) string {
	v, _ := m.Field(path)
	return v
}

func (m *Message) field(fp FieldPath) string {
	seg := m.Segment(fp.Segment, fp.Occurrence)
	if seg == nil {
		return ""
	}

	var value []byte
	if fp.Segment == "MSH" {
		// MSH is special: MSH-1 is the field separator character itself and
		// MSH-2 the encoding characters, so token n holds field n+1.
		switch fp.Field {
		case 1:
			value = []byte{m.seps.Field}
		case 2:
			value = m.token(seg, 1)
		default:
			value = m.token(seg, fp.Field-1)
		}
	} else {
		value = m.token(seg, fp.Field)
	}
	if value == nil {
		return ""
	}
	// First repetition only: the grammar addresses fields and components,
	// not repetitions.
	if i := bytes.IndexByte(value, m.seps.Repeat); i >= 0 {
		value = value[:i]
	}
	if fp.Component > 1 {
		parts := bytes.Split(value, []byte{m.seps.Component})
		if fp.Component > len(parts) {
			return ""
		}
		return string(parts[fp.Component-1])
	}
	if fp.Component == 1 {
		if i := bytes.IndexByte(value, m.seps.Component); i >= 0 {
			return string(value[:i])
		}
	}
	return string(value)
}

// token returns the n-th field token of a segment (0 = segment name).
func (m *Message) token(seg []byte, n int) []byte {
	start := 0
	idx := 0
	for i := 0; i <= len(seg); i++ {
		if i == len(seg) || seg[i] == m.seps.Field {
			if idx == n {
				return seg[start:i]
			}
			idx++
			start = i + 1
		}
	}
	return nil
}

// MessageType returns the full MSH-9 value, e.g. "ADT^A01".
func (m *Message) MessageType() string {
	return m.field(FieldPath{Segment: "MSH", Occurrence: 1, Field: 9})
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	return m.field(FieldPath{Segment: "MSH", Occurrence: 1, Field: 10})
}

// Version returns MSH-12 (e.g. "2.4"), or "" when absent.
func (m *Message) Version() string {
	return m.field(FieldPath{Segment: "MSH", Occurrence: 1, Field: 12})
}
