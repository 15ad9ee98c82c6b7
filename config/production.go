// Package config defines the production document: the declarative description
// of one project's hosts and their wiring. A production is a list of items;
// each item names its type (service, process, operation), the behaviour class
// implementing it, adapter settings the class interprets, and host settings
// the runtime interprets (queue, workers, restart policy, messaging pattern).
//
// Parse applies defaults; Validate aggregates every violation into one
// *InvalidConfigError so an operator fixes a bad document in a single pass
// instead of replaying deploy-fail cycles.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/queue"
)

// ItemType classifies an item's role in the message flow.
type ItemType string

const (
	ServiceItem   ItemType = "service"   // ingress: accepts messages from outside
	ProcessItem   ItemType = "process"   // internal: routes and transforms
	OperationItem ItemType = "operation" // egress: delivers to external systems
)

// ParseItemType validates an item type string.
func ParseItemType(s string) (ItemType, error) {
	switch t := ItemType(s); t {
	case ServiceItem, ProcessItem, OperationItem:
		return t, nil
	}
	return "", fmt.Errorf("unknown item type %q", s)
}

// Direction is the trace direction recorded for visits to this item kind.
func (t ItemType) Direction() string {
	switch t {
	case ServiceItem:
		return "inbound"
	case OperationItem:
		return "outbound"
	default:
		return "internal"
	}
}

// Execution modes for a host's worker pool.
const (
	ExecCooperative  = "cooperative"
	ExecThreaded     = "threaded"
	ExecMultiProcess = "multi_process"
	ExecSingle       = "single"
)

// Messaging patterns. Synchronous patterns make producers block on a
// response slot; reliable (non-concurrent) patterns preserve FIFO order.
const (
	PatternAsyncReliable   = "async_reliable"
	PatternSyncReliable    = "sync_reliable"
	PatternConcurrentAsync = "concurrent_async"
	PatternConcurrentSync  = "concurrent_sync"
)

// SynchronousPattern reports whether producers await a response.
func SynchronousPattern(p string) bool {
	return p == PatternSyncReliable || p == PatternConcurrentSync
}

// Overflow strategies for a full queue.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "drop_oldest"
	OverflowDropNewest = "drop_newest"
	OverflowReject     = "reject"
)

// Restart policies applied by the supervisor when a host enters the error
// state.
const (
	RestartNever     = "never"
	RestartOnFailure = "on_failure"
	RestartAlways    = "always"
)

// Inbound acknowledgement modes.
const (
	AckImmediate   = "Immediate"   // ACK as soon as the message is durable
	AckApplication = "Application" // ACK after the pipeline completes
	AckNever       = "Never"
)

// Duration wraps time.Duration for YAML documents ("30s", "250ms").
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings. Bare integers are rejected so a
// document can't silently mean nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RoutingRule is one ordered rule of a routing process. Rules evaluate
// first-match-wins unless Continue keeps scanning after a match.
type RoutingRule struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition,omitempty"` // empty matches every message
	Action    string `yaml:"action"`              // send | transform | stop | delete
	Target    string `yaml:"target,omitempty"`
	Transform string `yaml:"transform,omitempty"`
	Continue  bool   `yaml:"continue,omitempty"`
}

// Rule actions.
const (
	ActionSend      = "send"
	ActionTransform = "transform"
	ActionStop      = "stop"
	ActionDelete    = "delete"
)

// HostSettings are the runtime knobs every host honours regardless of class.
type HostSettings struct {
	Targets           []string      `yaml:"target_config_names,omitempty"`
	ExecutionMode     string        `yaml:"execution_mode,omitempty"`
	WorkerCount       int           `yaml:"worker_count,omitempty"` // overrides pool_size when > 0
	QueueType         string        `yaml:"queue_type,omitempty"`
	QueueSize         int           `yaml:"queue_size,omitempty"`
	Overflow          string        `yaml:"overflow_strategy,omitempty"`
	RestartPolicy     string        `yaml:"restart_policy,omitempty"`
	MaxRestarts       int           `yaml:"max_restarts,omitempty"`
	RestartDelay      Duration      `yaml:"restart_delay,omitempty"`
	Pattern           string        `yaml:"messaging_pattern,omitempty"`
	MessageTimeout    Duration      `yaml:"message_timeout,omitempty"`
	DrainTimeout      Duration      `yaml:"drain_timeout,omitempty"`
	AckMode           string        `yaml:"ack_mode,omitempty"`
	ReplyCodeActions  string        `yaml:"reply_code_actions,omitempty"`
	BadMessageHandler string        `yaml:"bad_message_handler,omitempty"`
	AllowFeedback     bool          `yaml:"allow_feedback,omitempty"`
	Rules             []RoutingRule `yaml:"rules,omitempty"`
}

// Item is one configured host.
type Item struct {
	Name     string         `yaml:"name"`
	Type     ItemType       `yaml:"type"`
	Class    string         `yaml:"class"`
	Enabled  *bool          `yaml:"enabled,omitempty"` // nil means true
	PoolSize int            `yaml:"pool_size,omitempty"`
	Adapter  map[string]any `yaml:"adapter_settings,omitempty"`
	Host     HostSettings   `yaml:"host_settings,omitempty"`
}

// IsEnabled reports whether the item participates in deployment.
func (it *Item) IsEnabled() bool { return it.Enabled == nil || *it.Enabled }

// Workers is the effective worker count: worker_count when set, else
// pool_size.
func (it *Item) Workers() int {
	if it.Host.WorkerCount > 0 {
		return it.Host.WorkerCount
	}
	return it.PoolSize
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	out := *it
	if it.Enabled != nil {
		e := *it.Enabled
		out.Enabled = &e
	}
	if it.Adapter != nil {
		out.Adapter = make(map[string]any, len(it.Adapter))
		for k, v := range it.Adapter {
			out.Adapter[k] = v
		}
	}
	out.Host.Targets = append([]string(nil), it.Host.Targets...)
	out.Host.Rules = append([]RoutingRule(nil), it.Host.Rules...)
	return &out
}

// Production is one project's complete host graph.
type Production struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Items       []*Item `yaml:"items"`
}

// Item returns the named item, or nil.
func (p *Production) Item(name string) *Item {
	for _, it := range p.Items {
		if it.Name == name {
			return it
		}
	}
	return nil
}

// ItemsOfType returns the enabled items of the given type in document order.
func (p *Production) ItemsOfType(t ItemType) []*Item {
	var out []*Item
	for _, it := range p.Items {
		if it.Type == t && it.IsEnabled() {
			out = append(out, it)
		}
	}
	return out
}

// Clone returns a deep copy of the production.
func (p *Production) Clone() *Production {
	out := &Production{Name: p.Name, Description: p.Description}
	for _, it := range p.Items {
		out.Items = append(out.Items, it.Clone())
	}
	return out
}

// Parse decodes a production document and applies defaults. Unknown fields
// are rejected so typos surface at parse time rather than as silently-default
// behaviour.
func Parse(data []byte) (*Production, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var p Production
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse production: %w", err)
	}
	p.applyDefaults()
	return &p, nil
}

// Load parses and validates in one step.
func Load(data []byte) (*Production, error) {
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Production) applyDefaults() {
	for _, it := range p.Items {
		if it.PoolSize < 1 {
			it.PoolSize = 1
		}
		h := &it.Host
		if h.ExecutionMode == "" {
			h.ExecutionMode = ExecCooperative
		}
		if h.QueueType == "" {
			h.QueueType = string(queue.FIFO)
		}
		if h.QueueSize == 0 {
			h.QueueSize = queue.DefaultCapacity
		}
		if h.Overflow == "" {
			h.Overflow = OverflowBlock
		}
		if h.RestartPolicy == "" {
			h.RestartPolicy = RestartOnFailure
		}
		if h.MaxRestarts == 0 {
			h.MaxRestarts = 5
		}
		if h.RestartDelay == 0 {
			h.RestartDelay = Duration(5 * time.Second)
		}
		if h.Pattern == "" {
			h.Pattern = PatternAsyncReliable
		}
		if h.MessageTimeout == 0 {
			h.MessageTimeout = Duration(30 * time.Second)
		}
		if h.DrainTimeout == 0 {
			h.DrainTimeout = Duration(30 * time.Second)
		}
		if h.AckMode == "" {
			h.AckMode = AckApplication
		}
	}
}

// Violation is one validation failure, located by item and field.
type Violation struct {
	Item    string `json:"item,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InvalidConfigError aggregates every violation found in one document.
type InvalidConfigError struct {
	Project    string
	Violations []Violation
}

func (e *InvalidConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid production %q: %d violation(s)", e.Project, len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("; ")
		if v.Item != "" {
			fmt.Fprintf(&b, "item %q ", v.Item)
		}
		fmt.Fprintf(&b, "%s: %s", v.Field, v.Message)
	}
	return b.String()
}

// Add appends a violation.
func (e *InvalidConfigError) Add(item, field, msg string) {
	e.Violations = append(e.Violations, Violation{Item: item, Field: field, Message: msg})
}

// OrNil returns nil when no violations were recorded.
func (e *InvalidConfigError) OrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Validate checks the whole document and returns an *InvalidConfigError
// listing every violation, or nil.
func (p *Production) Validate() error {
	verr := &InvalidConfigError{Project: p.Name}
	if p.Name == "" {
		verr.Add("", "name", "production name is required")
	}

	byName := make(map[string]*Item, len(p.Items))
	for _, it := range p.Items {
		if it.Name == "" {
			verr.Add("", "items", "item without a name")
			continue
		}
		if _, dup := byName[it.Name]; dup {
			verr.Add(it.Name, "name", "duplicate item name")
			continue
		}
		byName[it.Name] = it
	}

	for _, it := range p.Items {
		if it.Name == "" {
			continue
		}
		p.validateItem(verr, it, byName)
	}

	p.validateTopology(verr, byName)
	return verr.OrNil()
}

func (p *Production) validateItem(verr *InvalidConfigError, it *Item, byName map[string]*Item) {
	if _, err := ParseItemType(string(it.Type)); err != nil {
		verr.Add(it.Name, "type", err.Error())
	}
	if it.Class == "" {
		verr.Add(it.Name, "class", "class is required")
	}
	h := &it.Host
	switch h.ExecutionMode {
	case ExecCooperative, ExecThreaded, ExecMultiProcess, ExecSingle:
	default:
		verr.Add(it.Name, "host_settings.execution_mode", fmt.Sprintf("unknown mode %q", h.ExecutionMode))
	}
	if _, err := queue.ParseKind(h.QueueType); err != nil {
		verr.Add(it.Name, "host_settings.queue_type", err.Error())
	}
	if h.QueueSize < 1 {
		verr.Add(it.Name, "host_settings.queue_size", "must be at least 1")
	}
	switch h.Overflow {
	case OverflowBlock, OverflowDropOldest, OverflowDropNewest, OverflowReject:
	default:
		verr.Add(it.Name, "host_settings.overflow_strategy", fmt.Sprintf("unknown strategy %q", h.Overflow))
	}
	switch h.RestartPolicy {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		verr.Add(it.Name, "host_settings.restart_policy", fmt.Sprintf("unknown policy %q", h.RestartPolicy))
	}
	switch h.Pattern {
	case PatternAsyncReliable, PatternSyncReliable, PatternConcurrentAsync, PatternConcurrentSync:
	default:
		verr.Add(it.Name, "host_settings.messaging_pattern", fmt.Sprintf("unknown pattern %q", h.Pattern))
	}
	// The reliable sync pattern promises ordered request/response; only a
	// FIFO queue can keep that promise.
	if h.Pattern == PatternSyncReliable && h.QueueType != string(queue.FIFO) {
		verr.Add(it.Name, "host_settings.queue_type", "sync_reliable requires a fifo queue")
	}
	switch h.AckMode {
	case AckImmediate, AckApplication, AckNever:
	default:
		verr.Add(it.Name, "host_settings.ack_mode", fmt.Sprintf("unknown ack mode %q", h.AckMode))
	}
	if h.ReplyCodeActions != "" {
		if _, err := hl7.ParseReplyActions(h.ReplyCodeActions); err != nil {
			verr.Add(it.Name, "host_settings.reply_code_actions", err.Error())
		}
	}
	if h.MaxRestarts < 0 {
		verr.Add(it.Name, "host_settings.max_restarts", "must not be negative")
	}
	if h.MessageTimeout <= 0 {
		verr.Add(it.Name, "host_settings.message_timeout", "must be positive")
	}

	checkTarget := func(field, target string) {
		dst, ok := byName[target]
		if !ok {
			verr.Add(it.Name, field, fmt.Sprintf("target %q does not exist", target))
			return
		}
		if !dst.IsEnabled() {
			verr.Add(it.Name, field, fmt.Sprintf("target %q is disabled", target))
			return
		}
		if dst.Type == ServiceItem {
			verr.Add(it.Name, field, fmt.Sprintf("target %q is a service; only processes and operations receive messages", target))
		}
	}
	for _, tgt := range h.Targets {
		checkTarget("host_settings.target_config_names", tgt)
	}
	if h.BadMessageHandler != "" {
		checkTarget("host_settings.bad_message_handler", h.BadMessageHandler)
	}

	if len(h.Rules) > 0 && it.Type != ProcessItem {
		verr.Add(it.Name, "host_settings.rules", "rules are only valid on process items")
	}
	for i, r := range h.Rules {
		field := fmt.Sprintf("host_settings.rules[%d]", i)
		switch r.Action {
		case ActionSend:
			if r.Target == "" {
				verr.Add(it.Name, field, "send rule needs a target")
			}
		case ActionTransform:
			if r.Target == "" {
				verr.Add(it.Name, field, "transform rule needs a target")
			}
			if r.Transform == "" {
				verr.Add(it.Name, field, "transform rule needs a transform name")
			}
		case ActionStop, ActionDelete:
		default:
			verr.Add(it.Name, field, fmt.Sprintf("unknown action %q", r.Action))
		}
		if r.Target != "" {
			checkTarget(field+".target", r.Target)
		}
	}
}

// validateTopology rejects cycles in the static routing graph unless some
// process on the cycle opted in with allow_feedback.
func (p *Production) validateTopology(verr *InvalidConfigError, byName map[string]*Item) {
	edges := make(map[string][]string)
	for _, it := range p.Items {
		if it.Name == "" || !it.IsEnabled() {
			continue
		}
		seen := make(map[string]bool)
		add := func(tgt string) {
			if tgt == "" || seen[tgt] {
				return
			}
			if _, ok := byName[tgt]; !ok {
				return // already reported as unknown target
			}
			seen[tgt] = true
			edges[it.Name] = append(edges[it.Name], tgt)
		}
		for _, tgt := range it.Host.Targets {
			add(tgt)
		}
		for _, r := range it.Host.Rules {
			add(r.Target)
		}
		add(it.Host.BadMessageHandler)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int)
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colour[name] = grey
		stack = append(stack, name)
		for _, next := range edges[name] {
			switch colour[next] {
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case grey:
				// Back edge: the cycle is the stack suffix from next onward.
				for i, n := range stack {
					if n == next {
						return append([]string(nil), stack[i:]...)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[name] = black
		return nil
	}

	for _, it := range p.Items {
		if it.Name == "" || colour[it.Name] != white {
			continue
		}
		stack = stack[:0]
		cycle := visit(it.Name)
		if cycle == nil {
			continue
		}
		allowed := false
		for _, n := range cycle {
			if m := byName[n]; m != nil && m.Type == ProcessItem && m.Host.AllowFeedback {
				allowed = true
				break
			}
		}
		if !allowed {
			verr.Add(cycle[0], "host_settings.target_config_names",
				fmt.Sprintf("routing cycle %s; set allow_feedback on a process in the loop to permit it", strings.Join(cycle, " -> ")))
		}
		// One reported cycle per component is enough; mark the rest visited.
		for _, n := range cycle {
			colour[n] = black
		}
	}
}

// ItemPatch is a partial item update applied by reload_host. Omitted fields
// keep their current values; host_settings merge field-wise (zero values in
// the patch leave the current setting untouched).
type ItemPatch struct {
	Enabled  *bool          `yaml:"enabled,omitempty"`
	PoolSize *int           `yaml:"pool_size,omitempty"`
	Adapter  map[string]any `yaml:"adapter_settings,omitempty"`
	Host     *HostSettings  `yaml:"host_settings,omitempty"`
}

// ParsePatch decodes a reload body.
func ParsePatch(data []byte) (*ItemPatch, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var p ItemPatch
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse item patch: %w", err)
	}
	return &p, nil
}

// Apply returns a copy of the item with the patch merged in.
func (it *Item) Apply(patch *ItemPatch) *Item {
	out := it.Clone()
	if patch == nil {
		return out
	}
	if patch.Enabled != nil {
		e := *patch.Enabled
		out.Enabled = &e
	}
	if patch.PoolSize != nil && *patch.PoolSize > 0 {
		out.PoolSize = *patch.PoolSize
	}
	if patch.Adapter != nil {
		if out.Adapter == nil {
			out.Adapter = make(map[string]any, len(patch.Adapter))
		}
		for k, v := range patch.Adapter {
			out.Adapter[k] = v
		}
	}
	if patch.Host != nil {
		mergeHostSettings(&out.Host, patch.Host)
	}
	return out
}

func mergeHostSettings(dst, src *HostSettings) {
	if src.Targets != nil {
		dst.Targets = append([]string(nil), src.Targets...)
	}
	if src.ExecutionMode != "" {
		dst.ExecutionMode = src.ExecutionMode
	}
	if src.WorkerCount > 0 {
		dst.WorkerCount = src.WorkerCount
	}
	if src.QueueType != "" {
		dst.QueueType = src.QueueType
	}
	if src.QueueSize > 0 {
		dst.QueueSize = src.QueueSize
	}
	if src.Overflow != "" {
		dst.Overflow = src.Overflow
	}
	if src.RestartPolicy != "" {
		dst.RestartPolicy = src.RestartPolicy
	}
	if src.MaxRestarts > 0 {
		dst.MaxRestarts = src.MaxRestarts
	}
	if src.RestartDelay > 0 {
		dst.RestartDelay = src.RestartDelay
	}
	if src.Pattern != "" {
		dst.Pattern = src.Pattern
	}
	if src.MessageTimeout > 0 {
		dst.MessageTimeout = src.MessageTimeout
	}
	if src.DrainTimeout > 0 {
		dst.DrainTimeout = src.DrainTimeout
	}
	if src.AckMode != "" {
		dst.AckMode = src.AckMode
	}
	if src.ReplyCodeActions != "" {
		dst.ReplyCodeActions = src.ReplyCodeActions
	}
	if src.BadMessageHandler != "" {
		dst.BadMessageHandler = src.BadMessageHandler
	}
	if src.AllowFeedback {
		dst.AllowFeedback = true
	}
	if src.Rules != nil {
		dst.Rules = append([]RoutingRule(nil), src.Rules...)
	}
}
