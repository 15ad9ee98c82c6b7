// Package idgen provides pluggable ID generation for the engine.
//
// Every component that mints identifiers (envelopes, sessions, correlation
// slots, audit events) accepts a Generator, making the ID strategy a
// startup-time decision rather than a compile-time one.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so identifiers minted by it preserve creation order when
// compared lexically.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Used for type-scoped identifiers ("MSG-", "SES-", "COR-", "EVT-").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the engine-wide default generator: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Message produces message identifiers ("MSG-<uuidv7>").
var Message Generator = Prefixed("MSG-", Default)

// Correlation produces request/response correlation identifiers ("COR-<uuidv7>").
var Correlation Generator = Prefixed("COR-", Default)

// Event produces audit event identifiers ("EVT-<uuidv7>").
var Event Generator = Prefixed("EVT-", Default)

// Visit produces trace row identifiers ("VIS-<uuidv7>"), one per host visit.
var Visit Generator = Prefixed("VIS-", Default)

// Session produces pipeline session identifiers ("SES-<uuid>"). Stamped once
// at the ingress host and propagated unchanged downstream.
var Session Generator = Prefixed("SES-", Default)

// TestSession produces session identifiers for operator-initiated test sends
// ("SES-test-<uuid>") so they are distinguishable from live traffic.
var TestSession Generator = Prefixed("SES-test-", Default)

// Parse validates an ID (with or without a known prefix) and returns the
// input unchanged or an error.
func Parse(s string) (string, error) {
	trimmed := s
	for _, p := range []string{"MSG-", "COR-", "EVT-", "VIS-", "SES-test-", "SES-"} {
		if rest, ok := strings.CutPrefix(trimmed, p); ok {
			trimmed = rest
			break
		}
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return s, nil
}
