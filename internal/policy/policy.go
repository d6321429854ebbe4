package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeep/internal/plan"
)

const (
	IntentHelp    = "help"
	IntentStatus  = "status"
	IntentUnknown = "unknown"

	RoleAdmin = "admin"

	DefaultEmailPlaceholder = "redacted@example.com"
	DefaultPlaceholder      = "[REDACTED]"
)

// Checker is the interface consumers use to gate intents and plans.
type Checker interface {
	AllowIntent(intent, role string) bool
	AllowStep(role, tool, action string) bool
	PreparePlanForPolicy(p plan.Plan) plan.Plan
	PolicyVersion() string
}

// StepRule grants a role a set of actions on a tool. "*" matches any role,
// tool or action.
type StepRule struct {
	Role    string   `yaml:"role"`
	Tool    string   `yaml:"tool"`
	Actions []string `yaml:"actions"`
}

type StepPolicyConfig struct {
	Default string     `yaml:"default"` // "deny" or "allow"
	Rules   []StepRule `yaml:"rules"`
}

type RedactionConfig struct {
	EmailFields      []string `yaml:"email_fields"`
	EmailPlaceholder string   `yaml:"email_placeholder"`
	Placeholder      string   `yaml:"placeholder"`
}

// Policy is the serializable policy data.
type Policy struct {
	ReadOnlyIntents []string         `yaml:"read_only_intents"`
	ElevatedRoles   []string         `yaml:"elevated_roles"`
	Steps           StepPolicyConfig `yaml:"steps"`
	OutboundTools   []string         `yaml:"outbound_tools"`
	Redaction       RedactionConfig  `yaml:"redaction"`
}

func Default() Policy {
	return Policy{
		ReadOnlyIntents: []string{IntentHelp, IntentStatus},
		ElevatedRoles:   []string{RoleAdmin},
		Steps: StepPolicyConfig{
			Default: "deny",
			Rules: []StepRule{
				{Role: "*", Tool: "system", Actions: []string{"status", "help"}},
				{Role: RoleAdmin, Tool: "*", Actions: []string{"*"}},
			},
		},
		OutboundTools: []string{"openai"},
		Redaction: RedactionConfig{
			EmailFields:      []string{"to"},
			EmailPlaceholder: DefaultEmailPlaceholder,
			Placeholder:      DefaultPlaceholder,
		},
	}
}

// Load reads a policy file. A missing or empty file yields Default().
// Sections absent from the file keep their defaults.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Policy, error) {
	p := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) normalize() {
	if p.Redaction.EmailPlaceholder == "" {
		p.Redaction.EmailPlaceholder = DefaultEmailPlaceholder
	}
	if p.Redaction.Placeholder == "" {
		p.Redaction.Placeholder = DefaultPlaceholder
	}
	if p.Steps.Default == "" {
		p.Steps.Default = "deny"
	}
}

func (p Policy) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Steps.Default)) {
	case "allow", "deny":
	default:
		return fmt.Errorf("steps.default must be allow or deny, got %q", p.Steps.Default)
	}
	for i, r := range p.Steps.Rules {
		if strings.TrimSpace(r.Role) == "" || strings.TrimSpace(r.Tool) == "" {
			return fmt.Errorf("steps.rules[%d]: role and tool are required", i)
		}
	}
	if containsNormalized(p.ReadOnlyIntents, IntentUnknown) {
		return fmt.Errorf("read_only_intents must not include %q", IntentUnknown)
	}
	return nil
}

// AllowIntent admits read-only intents for anyone, never admits the unknown
// intent, and otherwise requires an elevated role.
func (p Policy) AllowIntent(intent, role string) bool {
	intent = normalize(intent)
	if intent == "" || intent == IntentUnknown {
		return false
	}
	if containsNormalized(p.ReadOnlyIntents, intent) {
		return true
	}
	return containsNormalized(p.ElevatedRoles, normalize(role))
}

// AllowStep checks whether role may invoke action on tool. The most specific
// matching rule wins: an exact role outranks "*", then an exact tool
// outranks "*". If no rule matches, Steps.Default applies.
func (p Policy) AllowStep(role, tool, action string) bool {
	role, tool, action = normalize(role), normalize(tool), normalize(action)
	if tool == "" || action == "" {
		return false
	}

	var best *StepRule
	bestScore := -1
	for i := range p.Steps.Rules {
		rule := &p.Steps.Rules[i]
		score := 0
		switch normalize(rule.Role) {
		case role:
			score += 4
		case "*":
			score++
		default:
			continue
		}
		switch normalize(rule.Tool) {
		case tool:
			score += 2
		case "*":
		default:
			continue
		}
		if score > bestScore {
			best, bestScore = rule, score
		}
	}
	if best == nil {
		return normalize(p.Steps.Default) == "allow"
	}
	for _, a := range best.Actions {
		if a = normalize(a); a == "*" || a == action {
			return true
		}
	}
	return false
}

func (p Policy) isOutbound(tool string) bool {
	return containsNormalized(p.OutboundTools, normalize(tool))
}

// PreparePlanForPolicy returns a copy of pl with data_outbound filled in and,
// when redaction is required and data leaves the process, every string
// argument of an outbound step replaced by a placeholder. The input is not
// modified.
func (p Policy) PreparePlanForPolicy(pl plan.Plan) plan.Plan {
	out := pl.Clone()

	providers := map[string]bool{}
	for _, prov := range out.DataOutbound.Providers {
		if prov = strings.TrimSpace(prov); prov != "" {
			providers[prov] = true
		}
	}
	for _, s := range out.Steps {
		if p.isOutbound(s.Tool) {
			providers[normalize(s.Tool)] = true
		}
	}
	out.DataOutbound.Providers = make([]string, 0, len(providers))
	for prov := range providers {
		out.DataOutbound.Providers = append(out.DataOutbound.Providers, prov)
	}
	sort.Strings(out.DataOutbound.Providers)
	out.DataOutbound.ToExternal = out.DataOutbound.ToExternal || len(providers) > 0
	out.DataOutbound.RedactionRequired = out.DataOutbound.RedactionRequired && out.DataOutbound.ToExternal

	if !out.DataOutbound.RedactionRequired {
		return out
	}
	for i := range out.Steps {
		if !p.isOutbound(out.Steps[i].Tool) {
			continue
		}
		for k, v := range out.Steps[i].Args {
			out.Steps[i].Args[k] = p.redactValue(k, v)
		}
	}
	return out
}

func (p Policy) redactValue(key string, v any) any {
	switch t := v.(type) {
	case string:
		if containsNormalized(p.Redaction.EmailFields, normalize(key)) {
			return p.Redaction.EmailPlaceholder
		}
		return p.Redaction.Placeholder
	case map[string]any:
		for k, val := range t {
			t[k] = p.redactValue(k, val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = p.redactValue(key, val)
		}
		return t
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = p.redactValue(key, val)
		}
		return out
	default:
		return v
	}
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe reload and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // empty disables persistence
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowIntent(intent, role string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowIntent(intent, role)
}

func (lp *LivePolicy) AllowStep(role, tool, action string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowStep(role, tool, action)
}

func (lp *LivePolicy) PreparePlanForPolicy(pl plan.Plan) plan.Plan {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PreparePlanForPolicy(pl)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Grant appends a step rule at runtime and persists the change. The live
// policy is left untouched when the write fails.
func (lp *LivePolicy) Grant(rule StepRule) error {
	rule.Role, rule.Tool = normalize(rule.Role), normalize(rule.Tool)
	if rule.Role == "" || rule.Tool == "" {
		return fmt.Errorf("grant: role and tool are required")
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("grant: at least one action is required")
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()
	for _, existing := range lp.data.Steps.Rules {
		if normalize(existing.Role) == rule.Role && normalize(existing.Tool) == rule.Tool &&
			slices.Equal(existing.Actions, rule.Actions) {
			return nil
		}
	}
	next := lp.data
	next.Steps.Rules = append(slices.Clip(lp.data.Steps.Rules), rule)
	if err := lp.persist(next); err != nil {
		return err
	}
	lp.data = next
	return nil
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.ReadOnlyIntents = slices.Clone(lp.data.ReadOnlyIntents)
	cp.ElevatedRoles = slices.Clone(lp.data.ElevatedRoles)
	cp.OutboundTools = slices.Clone(lp.data.OutboundTools)
	cp.Redaction.EmailFields = slices.Clone(lp.data.Redaction.EmailFields)
	cp.Steps.Rules = make([]StepRule, len(lp.data.Steps.Rules))
	for i, r := range lp.data.Steps.Rules {
		r.Actions = slices.Clone(r.Actions)
		cp.Steps.Rules[i] = r
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(prefix string, vals []string) {
		for _, v := range vals {
			_, _ = h.Write([]byte(prefix + "=" + normalize(v) + "|"))
		}
	}
	write("ro", p.ReadOnlyIntents)
	write("elev", p.ElevatedRoles)
	write("out", p.OutboundTools)
	write("email", p.Redaction.EmailFields)
	_, _ = h.Write([]byte("default=" + normalize(p.Steps.Default) + "|"))
	for _, r := range p.Steps.Rules {
		_, _ = h.Write([]byte("rule=" + normalize(r.Role) + "/" + normalize(r.Tool) + "/" + strings.Join(r.Actions, ",") + "|"))
	}
	_, _ = h.Write([]byte(p.Redaction.EmailPlaceholder + "|" + p.Redaction.Placeholder))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist(p Policy) error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.WriteFile(lp.path, out, 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// containsNormalized checks if a slice already contains a value (case-insensitive, trimmed).
func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if normalize(s) == val {
			return true
		}
	}
	return false
}
