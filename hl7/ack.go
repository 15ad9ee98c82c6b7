package hl7

import (
	"bytes"
	"strings"
	"time"

	"github.com/hazyhaar/liaison/idgen"
)

// AckCode is the MSA-1 acknowledgement code.
type AckCode string

const (
	AckAccept       AckCode = "AA" // application accept
	AckCommitAccept AckCode = "CA" // commit accept (Immediate mode, processing deferred)
	AckError        AckCode = "AE" // application error
	AckReject       AckCode = "AR" // application reject
)

// IsError reports whether the code is any error code (second letter E).
func (c AckCode) IsError() bool { return len(c) == 2 && c[1] == 'E' }

// IsReject reports whether the code is any reject code (second letter R).
func (c AckCode) IsReject() bool { return len(c) == 2 && c[1] == 'R' }

// IsAccept reports whether the code is any accept code (second letter A).
func (c AckCode) IsAccept() bool { return len(c) == 2 && c[1] == 'A' }

// AckOptions tunes ACK construction. Zero values mean: mint a control id,
// stamp the current UTC time.
type AckOptions struct {
	ControlID string
	Now       time.Time
}

// BuildAck constructs the acknowledgement body for a received message:
// an MSH segment mirroring the original's sending/receiving application and
// facility (swapped), a fresh control id, and an MSA segment carrying code
// and the original control id. text goes to MSA-3 when non-empty.
//
// The original's delimiters, processing id and version are reused so the
// sender can parse the reply with the conventions it sent.
func BuildAck(original []byte, code AckCode, text string, opts AckOptions) ([]byte, error) {
	msg, err := Parse(original)
	if err != nil {
		return nil, err
	}
	return buildAckFrom(msg, code, text, opts), nil
}

func buildAckFrom(msg *Message, code AckCode, text string, opts AckOptions) []byte {
	fs := string(msg.seps.Field)
	get := func(field int) string {
		return msg.field(FieldPath{Segment: "MSH", Occurrence: 1, Field: field})
	}

	controlID := opts.ControlID
	if controlID == "" {
		controlID = idgen.New()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	ackType := "ACK"
	if trigger := msg.field(FieldPath{Segment: "MSH", Occurrence: 1, Field: 9, Component: 2}); trigger != "" {
		ackType = "ACK" + string(msg.seps.Component) + trigger
	}
	processingID := get(11)
	if processingID == "" {
		processingID = "P"
	}
	version := get(12)
	if version == "" {
		version = "2.4"
	}

	var b bytes.Buffer
	// MSH: 3/4 take the original's 5/6 and vice versa.
	b.WriteString("MSH")
	b.WriteString(fs)
	b.WriteString(get(2))
	for _, f := range []string{
		get(5), get(6), get(3), get(4),
		now.UTC().Format("20060102150405"),
		"",
		ackType,
		controlID,
		processingID,
		version,
	} {
		b.WriteString(fs)
		b.WriteString(f)
	}
	b.WriteByte('\r')

	b.WriteString("MSA")
	b.WriteString(fs)
	b.WriteString(string(code))
	b.WriteString(fs)
	b.WriteString(msg.ControlID())
	if text != "" {
		b.WriteString(fs)
		b.WriteString(sanitizeAckText(text, msg.seps))
	}
	b.WriteByte('\r')
	return b.Bytes()
}

// BuildReject constructs a free-standing negative acknowledgement for input
// that could not be parsed, so there is no original to mirror. The MSH names
// the engine as sender, MSA-2 is empty (the original control id is unknown).
func BuildReject(code AckCode, text string, opts AckOptions) []byte {
	controlID := opts.ControlID
	if controlID == "" {
		controlID = idgen.New()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b bytes.Buffer
	b.WriteString("MSH|^~\\&|LIAISON||||")
	b.WriteString(now.UTC().Format("20060102150405"))
	b.WriteString("||ACK|")
	b.WriteString(controlID)
	b.WriteString("|P|2.4\r")
	b.WriteString("MSA|")
	b.WriteString(string(code))
	b.WriteString("|")
	if text != "" {
		b.WriteString("|")
		b.WriteString(sanitizeAckText(text, Separators{Field: '|', Component: '^', Repeat: '~'}))
	}
	b.WriteByte('\r')
	return b.Bytes()
}

// sanitizeAckText keeps delimiter and control bytes out of MSA-3.
func sanitizeAckText(text string, seps Separators) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case rune(seps.Field), rune(seps.Component), rune(seps.Repeat), '\r', '\n', 0x0b, 0x1c:
			return ' '
		}
		return r
	}, text)
	const maxText = 200
	if len(clean) > maxText {
		clean = clean[:maxText]
	}
	return clean
}

// Ack is a parsed acknowledgement.
type Ack struct {
	Code      AckCode
	ControlID string // MSA-2: the control id of the message being acknowledged
	Text      string // MSA-3
}

// ParseAck reads MSA-1/2/3 from acknowledgement bytes.
func ParseAck(raw []byte) (Ack, error) {
	msg, err := Parse(raw)
	if err != nil {
		return Ack{}, err
	}
	codeStr := msg.field(FieldPath{Segment: "MSA", Occurrence: 1, Field: 1})
	if codeStr == "" {
		return Ack{}, &ParseError{Reason: "missing MSA segment"}
	}
	return Ack{
		Code:      AckCode(codeStr),
		ControlID: msg.field(FieldPath{Segment: "MSA", Occurrence: 1, Field: 2}),
		Text:      msg.field(FieldPath{Segment: "MSA", Occurrence: 1, Field: 3}),
	}, nil
}
