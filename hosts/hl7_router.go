package hosts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"

	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/tracer"
)

// RuleError reports a routing rule that failed while evaluating a message.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("hosts: rule %q: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// TransformError reports a transform invoked by a rule that failed.
type TransformError struct {
	Rule      string
	Transform string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("hosts: rule %q transform %q: %v", e.Rule, e.Transform, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

type compiledRule struct {
	rule      config.RoutingRule
	prog      *vm.Program // nil when the condition is empty: always matches
	transform TransformFunc
}

// HL7Router evaluates an item's routing rules against each message, first
// match wins unless the matching rule says continue. Send forwards the
// message instance to the rule's target (later sends and transform outputs
// are derived copies); delete absorbs it; stop ends evaluation.
//
// The router delivers through the broker itself, so the worker loop's
// target fan-out is disabled via SelfRouting.
type HL7Router struct {
	name string
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	rules   []compiledRule
	timeout time.Duration
}

// NewHL7Router compiles the item's rules into a routing behaviour.
func NewHL7Router(deps Deps, item *config.Item) (host.Behaviour, error) {
	rules, err := compileRules(deps.Transforms, item)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", item.Name, err)
	}
	return &HL7Router{
		name:    item.Name,
		deps:    deps,
		log:     deps.logger().With("item", item.Name),
		rules:   rules,
		timeout: item.Host.MessageTimeout.Std(),
	}, nil
}

func compileRules(transforms *Transforms, item *config.Item) ([]compiledRule, error) {
	rules := make([]compiledRule, 0, len(item.Host.Rules))
	for _, r := range item.Host.Rules {
		cr := compiledRule{rule: r}
		if strings.TrimSpace(r.Condition) != "" {
			prog, err := CompileCondition(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			cr.prog = prog
		}
		if r.Action == config.ActionTransform {
			fn, ok := transforms.Lookup(r.Transform)
			if !ok {
				return nil, fmt.Errorf("rule %q: unknown transform %q", r.Name, r.Transform)
			}
			cr.transform = fn
		}
		rules = append(rules, cr)
	}
	return rules, nil
}

// SelfRouting implements host.SelfRouter.
func (r *HL7Router) SelfRouting() bool { return true }

// OnReload recompiles the rules against the new item settings.
func (r *HL7Router) OnReload(item *config.Item) error {
	rules, err := compileRules(r.deps.Transforms, item)
	if err != nil {
		return fmt.Errorf("%s: %w", item.Name, err)
	}
	r.mu.Lock()
	r.rules = rules
	r.timeout = item.Host.MessageTimeout.Std()
	r.mu.Unlock()
	return nil
}

// Process routes one message through the rule chain.
func (r *HL7Router) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.Payload == nil || len(env.Payload.Raw) == 0 {
		return nil, fmt.Errorf("%s: message %s has no payload", r.name, env.MessageID)
	}
	r.mu.Lock()
	rules := r.rules
	timeout := r.timeout
	r.mu.Unlock()

	msg, err := hl7.Parse(env.Payload.Raw)
	if err != nil {
		return nil, fmt.Errorf("%s: parse %s: %w", r.name, env.MessageID, err)
	}
	visit := tracer.VisitFrom(ctx)

	matched := false
	forwardedOriginal := false
	var sent []string

scan:
	for i := range rules {
		cr := &rules[i]
		if cr.prog != nil {
			ok, err := EvalCondition(cr.prog, msg)
			if err != nil {
				return nil, &RuleError{Rule: cr.rule.Name, Err: err}
			}
			if !ok {
				continue
			}
		}
		matched = true

		switch cr.rule.Action {
		case config.ActionStop:
			break scan

		case config.ActionDelete:
			if visit != nil {
				visit.Note("deleted by rule " + cr.rule.Name)
			}
			return env.WithTag("dropped_by_rule:" + cr.rule.Name).
				WithState(envelope.StateDelivered), nil

		case config.ActionSend:
			out := env
			if forwardedOriginal {
				out = env.Derive(env.MessageType, env.Payload.Clone())
			}
			out = out.WithRouteID(cr.rule.Name)
			if err := r.send(ctx, cr.rule.Target, out, timeout); err != nil {
				r.noteSent(visit, sent)
				return nil, err
			}
			if out.MessageID == env.MessageID {
				forwardedOriginal = true
			}
			sent = append(sent, cr.rule.Target)

		case config.ActionTransform:
			child, terr := cr.transform(ctx, env)
			if terr != nil {
				return nil, &TransformError{Rule: cr.rule.Name, Transform: cr.rule.Transform, Err: terr}
			}
			if child == nil {
				// The transform filtered the message out; nothing to send.
				break
			}
			child = child.WithRouteID(cr.rule.Name)
			if cr.rule.Target != "" {
				if err := r.send(ctx, cr.rule.Target, child, timeout); err != nil {
					r.noteSent(visit, sent)
					return nil, err
				}
				sent = append(sent, cr.rule.Target)
			}
		}

		if !cr.rule.Continue {
			break scan
		}
	}

	r.noteSent(visit, sent)

	if forwardedOriginal {
		// The live log record now belongs to the target; nothing terminal to
		// write for this instance.
		return env, nil
	}
	if !matched {
		r.log.Debug("no rule matched",
			"message_id", env.MessageID, "message_type", env.MessageType)
		return env.WithTag("no_rule_matched").WithState(envelope.StateDelivered), nil
	}
	return env.WithState(envelope.StateDelivered), nil
}

func (r *HL7Router) send(ctx context.Context, target string, env *envelope.Envelope, timeout time.Duration) error {
	if r.deps.Broker.Synchronous(target) {
		if _, err := r.deps.Broker.SendSync(ctx, r.name, target, env, timeout); err != nil {
			return host.WrapDownstream(target, err)
		}
		return nil
	}
	_, err := r.deps.Broker.SendAsync(ctx, r.name, target, env)
	return err
}

func (r *HL7Router) noteSent(visit *tracer.Visit, sent []string) {
	if visit != nil && len(sent) > 0 {
		visit.SetDestination(strings.Join(sent, ","))
	}
}
