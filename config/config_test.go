package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const labFeedDoc = `
name: lab-feed
description: inbound lab results
items:
  - name: HL7.In
    type: service
    class: hl7.tcp.service
    adapter_settings:
      port: 2575
    host_settings:
      target_config_names: [HL7.Router]
  - name: HL7.Router
    type: process
    class: hl7.router
    host_settings:
      messaging_pattern: sync_reliable
      rules:
        - name: labs
          condition: '{MSH-9.1} = "ORU"'
          action: send
          target: HL7.Out
  - name: HL7.Out
    type: operation
    class: hl7.tcp.operation
    pool_size: 2
    adapter_settings:
      host: 127.0.0.1
      port: 6661
`

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse([]byte(labFeedDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	it := p.Item("HL7.In")
	if it == nil {
		t.Fatal("HL7.In missing")
	}
	if it.PoolSize != 1 {
		t.Errorf("pool_size = %d, want 1", it.PoolSize)
	}
	if it.Host.QueueType != "fifo" || it.Host.QueueSize != 1000 {
		t.Errorf("queue defaults = %s/%d, want fifo/1000", it.Host.QueueType, it.Host.QueueSize)
	}
	if it.Host.Overflow != OverflowBlock {
		t.Errorf("overflow = %q, want block", it.Host.Overflow)
	}
	if it.Host.RestartPolicy != RestartOnFailure || it.Host.MaxRestarts != 5 {
		t.Errorf("restart defaults = %s/%d", it.Host.RestartPolicy, it.Host.MaxRestarts)
	}
	if it.Host.MessageTimeout.Std() != 30*time.Second {
		t.Errorf("message_timeout = %v, want 30s", it.Host.MessageTimeout.Std())
	}
	if !it.IsEnabled() {
		t.Error("enabled should default to true")
	}
	if p.Item("HL7.Out").Workers() != 2 {
		t.Errorf("Workers = %d, want pool_size 2", p.Item("HL7.Out").Workers())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	// WHY: a typo like "targets_config_names" must fail loudly, not deploy a
	// host with no targets.
	doc := strings.Replace(labFeedDoc, "target_config_names", "targets_config_names", 1)
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestLoadValidDocument(t *testing.T) {
	if _, err := Load([]byte(labFeedDoc)); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestValidateAggregatesViolations(t *testing.T) {
	// WHAT: one pass reports every problem, not just the first.
	doc := `
name: broken
items:
  - name: A
    type: service
    class: hl7.tcp.service
    host_settings:
      target_config_names: [Nope]
      queue_type: circular
      overflow_strategy: explode
  - name: B
    type: gateway
    class: ""
`
	_, err := Load([]byte(doc))
	var verr *InvalidConfigError
	if !errors.As(err, &verr) {
		t.Fatalf("want *InvalidConfigError, got %v", err)
	}
	if len(verr.Violations) < 5 {
		t.Fatalf("want >= 5 violations, got %d: %v", len(verr.Violations), verr)
	}
	fields := make(map[string]bool)
	for _, v := range verr.Violations {
		fields[v.Field] = true
	}
	for _, want := range []string{
		"host_settings.target_config_names",
		"host_settings.queue_type",
		"host_settings.overflow_strategy",
		"type",
		"class",
	} {
		if !fields[want] {
			t.Errorf("missing violation for %s in %v", want, verr)
		}
	}
}

func TestValidateSyncRequiresFIFO(t *testing.T) {
	doc := `
name: p
items:
  - name: Proc
    type: process
    class: hl7.router
    host_settings:
      messaging_pattern: sync_reliable
      queue_type: priority
`
	_, err := Load([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "fifo") {
		t.Fatalf("want fifo violation, got %v", err)
	}
}

func TestValidateServiceTarget(t *testing.T) {
	doc := `
name: p
items:
  - name: In
    type: service
    class: hl7.tcp.service
  - name: Proc
    type: process
    class: hl7.router
    host_settings:
      target_config_names: [In]
`
	_, err := Load([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "is a service") {
		t.Fatalf("want service-target violation, got %v", err)
	}
}

func TestValidateCycles(t *testing.T) {
	cycle := `
name: p
items:
  - name: A
    type: process
    class: hl7.router
    host_settings:
      target_config_names: [B]
  - name: B
    type: process
    class: hl7.router
    host_settings:
      target_config_names: [A]
`
	_, err := Load([]byte(cycle))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("want cycle violation, got %v", err)
	}

	// The same loop is legal once a process on it opts in.
	allowed := strings.Replace(cycle, "target_config_names: [A]",
		"target_config_names: [A]\n      allow_feedback: true", 1)
	if _, err := Load([]byte(allowed)); err != nil {
		t.Fatalf("allow_feedback cycle rejected: %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	doc := `
name: p
items:
  - name: Router
    type: process
    class: hl7.router
    host_settings:
      rules:
        - name: r1
          action: send
        - name: r2
          action: teleport
`
	_, err := Load([]byte(doc))
	var verr *InvalidConfigError
	if !errors.As(err, &verr) {
		t.Fatalf("want *InvalidConfigError, got %v", err)
	}
	if len(verr.Violations) != 2 {
		t.Fatalf("want 2 rule violations, got %v", verr)
	}
}

func TestValidateBadReplyActions(t *testing.T) {
	doc := `
name: p
items:
  - name: Out
    type: operation
    class: hl7.tcp.operation
    host_settings:
      reply_code_actions: ":AA=X"
`
	if _, err := Load([]byte(doc)); err == nil {
		t.Fatal("expected reply_code_actions violation")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	doc := `
name: p
items:
  - name: Out
    type: operation
    class: hl7.tcp.operation
    host_settings:
      message_timeout: 1500ms
`
	p, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := p.Item("Out").Host.MessageTimeout.Std(); got != 1500*time.Millisecond {
		t.Errorf("message_timeout = %v, want 1.5s", got)
	}

	// Bare integers would silently mean nanoseconds; reject them.
	bad := strings.Replace(doc, "1500ms", "30", 1)
	if _, err := Load([]byte(bad)); err == nil {
		t.Fatal("expected error for integer duration")
	}
}

func TestItemPatchMerge(t *testing.T) {
	p, err := Load([]byte(labFeedDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	it := p.Item("HL7.Out")

	patch, err := ParsePatch([]byte("pool_size: 4\nhost_settings:\n  queue_size: 50\n"))
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}
	updated := it.Apply(patch)

	if updated.PoolSize != 4 {
		t.Errorf("patched pool_size = %d, want 4", updated.PoolSize)
	}
	if updated.Host.QueueSize != 50 {
		t.Errorf("patched queue_size = %d, want 50", updated.Host.QueueSize)
	}
	// Untouched settings survive the merge.
	if updated.Host.MessageTimeout != it.Host.MessageTimeout {
		t.Error("message_timeout should be preserved")
	}
	if updated.Adapter["port"] != it.Adapter["port"] {
		t.Error("adapter settings should be preserved")
	}
	// The original is not mutated.
	if it.PoolSize != 2 {
		t.Errorf("original pool_size mutated to %d", it.PoolSize)
	}
}

func TestFileRepository(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lab-feed.yaml"), []byte(labFeedDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	repo := NewFileRepository(dir)
	ctx := context.Background()

	p, err := repo.Production(ctx, "lab-feed")
	if err != nil {
		t.Fatalf("Production: %v", err)
	}
	if p.Name != "lab-feed" || len(p.Items) != 3 {
		t.Errorf("loaded %q with %d items", p.Name, len(p.Items))
	}

	projects, err := repo.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if len(projects) != 1 || projects[0] != "lab-feed" {
		t.Errorf("Projects = %v", projects)
	}

	var nf *NotFoundError
	if _, err := repo.Production(ctx, "ghost"); !errors.As(err, &nf) {
		t.Errorf("want *NotFoundError, got %v", err)
	}
	if _, err := repo.Production(ctx, "../etc/passwd"); err == nil {
		t.Error("path traversal accepted")
	}
}

func TestFileRepositoryNameMismatch(t *testing.T) {
	dir := t.TempDir()
	doc := strings.Replace(labFeedDoc, "name: lab-feed", "name: other", 1)
	if err := os.WriteFile(filepath.Join(dir, "lab-feed.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileRepository(dir).Production(context.Background(), "lab-feed"); err == nil {
		t.Fatal("expected name mismatch error")
	}
}
