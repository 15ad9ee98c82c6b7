package hl7

import (
	"fmt"
	"strings"
)

// ReplyAction is what an outbound host does with a message after inspecting
// the remote acknowledgement code.
type ReplyAction byte

const (
	ActionSuccess ReplyAction = 'S' // commit
	ActionFail    ReplyAction = 'F' // fail, send to error route
	ActionRetry   ReplyAction = 'R' // retry after retry_interval, up to max_retries
	ActionWarn    ReplyAction = 'W' // commit, emit warning trace tag
)

func (a ReplyAction) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionFail:
		return "fail"
	case ActionRetry:
		return "retry"
	case ActionWarn:
		return "warn"
	}
	return fmt.Sprintf("action(%c)", byte(a))
}

// DefaultReplyActions is applied when an outbound host's config leaves
// reply_code_actions empty: accepts commit, everything else fails.
const DefaultReplyActions = ":AA=S,:CA=S,:*=F"

type replyPair struct {
	pattern string // without the leading ':'
	action  ReplyAction
}

// ReplyActions is a compiled reply_code_actions expression: an ordered list
// of pattern=action pairs, first match wins.
//
// Patterns: ":AA" ":CA" ":AE" ":AR" (exact), ":?E" (any error), ":?R" (any
// reject), ":*" (any). Actions: S, F, R, W.
type ReplyActions struct {
	pairs []replyPair
	src   string
}

// ParseReplyActions compiles an expression like ":AA=S,:?E=R,:*=F".
// An empty string compiles DefaultReplyActions.
func ParseReplyActions(s string) (*ReplyActions, error) {
	src := strings.TrimSpace(s)
	if src == "" {
		src = DefaultReplyActions
	}
	ra := &ReplyActions{src: src}
	for _, part := range strings.Split(src, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pat, act, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("hl7: reply_code_actions %q: %q is not pattern=action", s, part)
		}
		pat = strings.TrimSpace(pat)
		act = strings.TrimSpace(act)
		if !strings.HasPrefix(pat, ":") {
			return nil, fmt.Errorf("hl7: reply_code_actions %q: pattern %q must start with ':'", s, pat)
		}
		pat = pat[1:]
		switch pat {
		case "AA", "CA", "AE", "CE", "AR", "CR", "?E", "?R", "?A", "*":
		default:
			return nil, fmt.Errorf("hl7: reply_code_actions %q: unknown pattern %q", s, ":"+pat)
		}
		if len(act) != 1 {
			return nil, fmt.Errorf("hl7: reply_code_actions %q: action %q must be one of S F R W", s, act)
		}
		action := ReplyAction(act[0])
		switch action {
		case ActionSuccess, ActionFail, ActionRetry, ActionWarn:
		default:
			return nil, fmt.Errorf("hl7: reply_code_actions %q: action %q must be one of S F R W", s, act)
		}
		ra.pairs = append(ra.pairs, replyPair{pattern: pat, action: action})
	}
	if len(ra.pairs) == 0 {
		return nil, fmt.Errorf("hl7: reply_code_actions %q: no pairs", s)
	}
	return ra, nil
}

// String returns the source expression.
func (ra *ReplyActions) String() string { return ra.src }

// Match evaluates the acknowledgement code: first matching pattern wins.
// A code matched by no pattern fails, the safe default for an engine that
// must never silently commit an unacknowledged clinical message.
func (ra *ReplyActions) Match(code AckCode) ReplyAction {
	for _, p := range ra.pairs {
		if p.matches(code) {
			return p.action
		}
	}
	return ActionFail
}

func (p replyPair) matches(code AckCode) bool {
	switch p.pattern {
	case "*":
		return true
	case "?E":
		return code.IsError()
	case "?R":
		return code.IsReject()
	case "?A":
		return code.IsAccept()
	default:
		return string(code) == p.pattern
	}
}
