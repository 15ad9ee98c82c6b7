package e2e

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hazyhaar/liaison/broker"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/msgstore"
)

// syncChainDoc wires the listener straight to a synchronous sender, so the
// acknowledgement returned upstream carries the downstream outcome.
func syncChainDoc(labHost string, labPort int) string {
	return fmt.Sprintf(`
name: hospital
items:
  - name: HL7.In
    type: service
    class: hl7.tcp.service
    adapter_settings:
      port: 0
      bind_address: 127.0.0.1
    host_settings:
      target_config_names: [Lab.Out]
  - name: Lab.Out
    type: operation
    class: hl7.tcp.operation
    adapter_settings:
      ip_address: %s
      port: %d
      connect_timeout: 2s
      ack_timeout: 2s
      retry_interval: 10ms
      reconnect_interval: 50ms
    host_settings:
      messaging_pattern: sync_reliable
`, labHost, labPort)
}

// TestE2E_SyncRejectionMirroredToSender runs the reliable request path: the
// downstream rejection travels back through the waiting listener and reaches
// the original sender as an AR, while the failed delivery is parked for the
// operator.
func TestE2E_SyncRejectionMirroredToSender(t *testing.T) {
	s := newStack(t)
	lab := newReceiver(t, hl7.AckReject)
	labHost, labPort := lab.hostPort(t)

	s.deploy(syncChainDoc(labHost, labPort))
	s.start("hospital")

	cl := dial(t, s.serviceAddress("hospital", "HL7.In"))
	ack := cl.send(resultORU)
	if ack.Code != hl7.AckReject {
		t.Fatalf("ack = %s %q, want AR", ack.Code, ack.Text)
	}

	// The origin of the failure owns the dead-letter record.
	var dead []*msgstore.Visit
	waitFor(t, "dead letter", func() bool {
		dead = s.deadLetters("hospital")
		return len(dead) == 1
	})
	if dead[0].Item != "Lab.Out" {
		t.Fatalf("dead letter charged to %q, want Lab.Out", dead[0].Item)
	}
	if !strings.Contains(dead[0].ErrorMessage, "remote rejected") {
		t.Fatalf("dead letter reason = %q", dead[0].ErrorMessage)
	}

	var in *msgstore.Visit
	waitFor(t, "inbound visit settles", func() bool {
		rows := s.visits(&msgstore.Filter{Project: "hospital", Item: "HL7.In", Status: "failed"})
		if len(rows) != 1 {
			return false
		}
		in = rows[0]
		return true
	})
	if in.AckType != string(hl7.AckReject) {
		t.Fatalf("inbound ack type = %q, want AR", in.AckType)
	}

	if lab.count() != 1 {
		t.Fatalf("receiver frames = %d, want 1 (AR is final)", lab.count())
	}
}

// TestE2E_RejectedDeliveryDeadLetters covers the asynchronous flip side: the
// sender already holds an AA, so the rejection cannot travel back and the
// message parks instead.
func TestE2E_RejectedDeliveryDeadLetters(t *testing.T) {
	s := newStack(t)
	lab := newReceiver(t, hl7.AckReject)
	labHost, labPort := lab.hostPort(t)

	s.deploy(chainDoc(0, labHost, labPort))
	s.start("hospital")

	cl := dial(t, s.serviceAddress("hospital", "HL7.In"))
	if ack := cl.send(resultORU); ack.Code != hl7.AckAccept {
		t.Fatalf("ack = %s %q, want AA", ack.Code, ack.Text)
	}

	var dead []*msgstore.Visit
	waitFor(t, "dead letter", func() bool {
		dead = s.deadLetters("hospital")
		return len(dead) == 1
	})
	if dead[0].Item != "Lab.Out" {
		t.Fatalf("dead letter charged to %q, want Lab.Out", dead[0].Item)
	}
	if dead[0].Status != "failed" {
		t.Fatalf("dead letter status = %q, want failed", dead[0].Status)
	}
	if !strings.Contains(dead[0].ErrorMessage, "remote rejected") {
		t.Fatalf("dead letter reason = %q", dead[0].ErrorMessage)
	}
	if lab.count() != 1 {
		t.Fatalf("receiver frames = %d, want 1 (AR is final)", lab.count())
	}
}

// TestE2E_FeedbackLoopDeadLetters deploys a sanctioned routing loop and
// checks the hop ceiling cuts it: one dead letter, no unbounded bouncing.
func TestE2E_FeedbackLoopDeadLetters(t *testing.T) {
	s := newStack(t)

	s.deploy(`
name: hospital
items:
  - name: HL7.In
    type: service
    class: hl7.tcp.service
    adapter_settings:
      port: 0
      bind_address: 127.0.0.1
    host_settings:
      target_config_names: [Loop.A]
  - name: Loop.A
    type: process
    class: passthrough
    host_settings:
      target_config_names: [Loop.B]
      allow_feedback: true
  - name: Loop.B
    type: process
    class: passthrough
    host_settings:
      target_config_names: [Loop.A]
`)
	s.start("hospital")

	cl := dial(t, s.serviceAddress("hospital", "HL7.In"))
	if ack := cl.send(admitADT); ack.Code != hl7.AckAccept {
		t.Fatalf("ack = %s %q, want AA", ack.Code, ack.Text)
	}

	var dead []*msgstore.Visit
	waitFor(t, "loop dead letter", func() bool {
		dead = s.deadLetters("hospital")
		return len(dead) == 1
	})
	wantReason := fmt.Sprintf("loop detected: hop count %d", broker.DefaultMaxHops)
	if dead[0].ErrorMessage != wantReason {
		t.Fatalf("dead letter reason = %q, want %q", dead[0].ErrorMessage, wantReason)
	}
	if dead[0].Status != "dead_lettered" {
		t.Fatalf("dead letter status = %q, want dead_lettered", dead[0].Status)
	}
}
