package hosts

import (
	"context"
	"strings"
	"testing"

	"github.com/hazyhaar/liaison/envelope"
)

const sampleWithNotes = "MSH|^~\\&|LAB|CENTRAL|EPIC|RIVERSIDE|20260101130000||ORU^R01|CTRL-90|P|2.4\r" +
	"PID|1||MRN-12345||DOE^JOHN||19800101|M\r" +
	"OBX|1|NM|K^Potassium||5.1|mmol/L\r" +
	"NTE|1||hemolyzed specimen\r" +
	"OBX|2|NM|NA^Sodium||140|mmol/L\r" +
	"NTE|2||reviewed by lab director\r"

func TestBuiltinTransformNames(t *testing.T) {
	tr := BuiltinTransforms()
	for _, name := range []string{TransformStripNotes, TransformRedactPID, TransformMarkUrgent} {
		if _, ok := tr.Lookup(name); !ok {
			t.Errorf("transform %q not registered", name)
		}
	}
}

func TestStripNotes(t *testing.T) {
	env := hl7Env(sampleWithNotes)
	out, err := StripNotes(context.Background(), env)
	if err != nil {
		t.Fatalf("StripNotes: %v", err)
	}
	raw := string(out.Payload.Raw)
	if strings.Contains(raw, "NTE|") {
		t.Fatalf("notes survived: %q", raw)
	}
	for _, keep := range []string{"MSH|", "PID|1||MRN-12345", "OBX|1|", "OBX|2|"} {
		if !strings.Contains(raw, keep) {
			t.Errorf("segment %q missing from %q", keep, raw)
		}
	}
	if out.MessageID == env.MessageID {
		t.Fatal("transform must mint a derived message")
	}
	if out.CausationID != env.MessageID {
		t.Fatalf("causation_id = %q, want %q", out.CausationID, env.MessageID)
	}
}

func TestStripNotesKeepsCleanMessage(t *testing.T) {
	env := hl7Env(sampleADT)
	out, err := StripNotes(context.Background(), env)
	if err != nil {
		t.Fatalf("StripNotes: %v", err)
	}
	if string(out.Payload.Raw) != sampleADT {
		t.Fatalf("payload changed without notes present:\n got %q\nwant %q", out.Payload.Raw, sampleADT)
	}
	if out.MessageID == env.MessageID {
		t.Fatal("transform must mint a derived message even when unchanged")
	}
}

func TestRedactPID(t *testing.T) {
	env := hl7Env(sampleADT)
	out, err := RedactPID(context.Background(), env)
	if err != nil {
		t.Fatalf("RedactPID: %v", err)
	}
	raw := string(out.Payload.Raw)
	if !strings.Contains(raw, "\rPID|1||MRN-12345|||||M\r") {
		t.Fatalf("PID not redacted as expected: %q", raw)
	}
	for _, gone := range []string{"DOE", "JOHN", "19800101"} {
		if strings.Contains(raw, gone) {
			t.Errorf("identifying value %q survived redaction", gone)
		}
	}
	for _, keep := range []string{"EVN|A01", "PV1|1|I|ICU", "OBX|1|NM|GLU"} {
		if !strings.Contains(raw, keep) {
			t.Errorf("segment %q missing from %q", keep, raw)
		}
	}
}

func TestRedactPIDWithoutPID(t *testing.T) {
	env := hl7Env(sampleORU)
	out, err := RedactPID(context.Background(), env)
	if err != nil {
		t.Fatalf("RedactPID: %v", err)
	}
	if string(out.Payload.Raw) != sampleORU {
		t.Fatalf("payload changed with no PID present: %q", out.Payload.Raw)
	}
}

func TestMarkUrgent(t *testing.T) {
	env := hl7Env(sampleORU).WithSession("SES-1")
	out, err := MarkUrgent(context.Background(), env)
	if err != nil {
		t.Fatalf("MarkUrgent: %v", err)
	}
	if out.Priority != envelope.PriorityUrgent {
		t.Fatalf("priority = %s", out.Priority)
	}
	if string(out.Payload.Raw) != sampleORU {
		t.Fatal("payload must pass through unchanged")
	}
	if out.CausationID != env.MessageID || out.SessionID != "SES-1" {
		t.Fatalf("lineage lost: causation=%q session=%q", out.CausationID, out.SessionID)
	}
}

func TestBuiltinTransformsRejectBadPayload(t *testing.T) {
	bad := envelope.New("ORU^R01", envelope.NewPayload([]byte("not hl7 at all"), "", ""))
	if _, err := StripNotes(context.Background(), bad); err == nil {
		t.Error("strip_notes accepted a non-HL7 payload")
	}
	if _, err := RedactPID(context.Background(), bad); err == nil {
		t.Error("redact_pid accepted a non-HL7 payload")
	}
	empty := envelope.New("ORU^R01", nil)
	if _, err := MarkUrgent(context.Background(), empty); err == nil {
		t.Error("mark_urgent accepted a missing payload")
	}
}
