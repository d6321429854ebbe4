// Package memory holds the review gate in front of durable memory. Nothing
// reaches memory_records without a pending proposal, a policy check, and an
// explicit approval.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/otel"
	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/shared"
)

const (
	TypePreference        = "preference"
	TypeProjectContext    = "project_context"
	TypeWorkflowRule      = "workflow_rule"
	TypeEphemeral         = "ephemeral"
	TypeIdentitySensitive = "identity_sensitive"

	SourceManualReview = "manual_review"

	// MaxContentLength bounds stored content, in runes.
	MaxContentLength = 500
)

// Types lists every memory type a proposal may carry.
var Types = []string{TypePreference, TypeProjectContext, TypeWorkflowRule, TypeEphemeral, TypeIdentitySensitive}

func knownType(t string) bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

type (
	Proposal       = persistence.MemoryProposal
	Record         = persistence.MemoryRecord
	ProposalFilter = persistence.ProposalFilter
	RecordFilter   = persistence.MemoryFilter
)

// ProposeInput describes a memory someone wants kept. Domain defaults to the
// memory type and Source to manual_review.
type ProposeInput struct {
	Domain              string
	MemoryType          string
	Content             string
	Source              string
	ExplicitUserRequest bool
	RiskFlags           []string
}

// Backend is the persistence surface the gate needs.
type Backend interface {
	InsertProposal(ctx context.Context, p persistence.MemoryProposal) error
	GetProposal(ctx context.Context, id string) (persistence.MemoryProposal, error)
	ListProposals(ctx context.Context, f persistence.ProposalFilter) ([]persistence.MemoryProposal, error)
	ApproveProposal(ctx context.Context, id string, rec persistence.MemoryRecord, at time.Time) error
	RejectProposal(ctx context.Context, id, notes string, at time.Time) error
	GetMemoryRecord(ctx context.Context, id string) (persistence.MemoryRecord, error)
	ListMemoryRecords(ctx context.Context, f persistence.MemoryFilter) ([]persistence.MemoryRecord, error)
}

type Options struct {
	Policy  *Policy
	Now     func() time.Time
	Logger  *slog.Logger
	Bus     bus.Publisher
	Metrics *otel.Metrics
}

type Gate struct {
	backend Backend
	policy  atomic.Pointer[Policy]
	now     func() time.Time
	logger  *slog.Logger
	bus     bus.Publisher
	metrics *otel.Metrics
}

func NewGate(backend Backend, opts Options) *Gate {
	g := &Gate{
		backend: backend,
		now:     opts.Now,
		logger:  opts.Logger,
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}
	g.SetPolicy(opts.Policy)
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = otel.NoopMetrics()
	}
	g.logger = g.logger.With("component", "memory")
	return g
}

// SetPolicy swaps the write policy used by later approvals. Nil restores
// DefaultPolicy.
func (g *Gate) SetPolicy(p *Policy) {
	if p == nil {
		p = DefaultPolicy()
	}
	g.policy.Store(p)
}

// Propose stores a pending proposal and returns its id. Policy is not
// evaluated here; a proposal that would be refused still waits for review.
func (g *Gate) Propose(ctx context.Context, in ProposeInput) (string, error) {
	const op = "memory.propose"
	memType := strings.TrimSpace(in.MemoryType)
	if !knownType(memType) {
		return "", shared.ValidationError(op, "memory type %q is not allowed", in.MemoryType)
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", shared.ValidationError(op, "content is required")
	}
	domain := strings.TrimSpace(in.Domain)
	if domain == "" {
		domain = memType
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = SourceManualReview
	}
	flags := in.RiskFlags
	if flags == nil {
		flags = []string{}
	}
	p := Proposal{
		ID:                  uuid.NewString(),
		CreatedAt:           g.now().UTC(),
		Domain:              domain,
		MemoryType:          memType,
		Content:             shared.Truncate(in.Content, MaxContentLength),
		Source:              source,
		ExplicitUserRequest: in.ExplicitUserRequest,
		RiskFlags:           flags,
		Status:              persistence.ProposalPending,
	}
	if err := g.backend.InsertProposal(ctx, p); err != nil {
		return "", err
	}
	g.transition(ctx, p, "", persistence.ProposalPending, bus.TopicMemoryProposed)
	return p.ID, nil
}

// Approve re-validates the proposal against the memory policy and, when it
// passes, writes the durable record. A refused proposal stays pending.
func (g *Gate) Approve(ctx context.Context, id string) (string, error) {
	const op = "memory.approve"
	p, err := g.backend.GetProposal(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Status != persistence.ProposalPending {
		return "", shared.ConflictError(op, "proposal %s is %s, not pending", id, p.Status)
	}
	if ok, reasons := g.policy.Load().ValidateWrite(p); !ok {
		g.logger.Warn("memory approval refused",
			"request_id", shared.RequestID(ctx),
			"proposal_id", id,
			"reasons", strings.Join(reasons, "; "),
		)
		return "", shared.PolicyError(op, "memory write refused by policy", reasons...)
	}

	now := g.now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		CreatedAt:  now,
		Domain:     p.Domain,
		MemoryType: p.MemoryType,
		Content:    p.Content,
		Source:     p.Source,
	}
	if err := g.backend.ApproveProposal(ctx, id, rec, now); err != nil {
		return "", err
	}
	p.MemoryID = rec.ID
	g.transition(ctx, p, persistence.ProposalPending, persistence.ProposalApproved, bus.TopicMemoryApproved)
	return rec.ID, nil
}

// Reject closes a pending proposal with the reviewer's reason.
func (g *Gate) Reject(ctx context.Context, id, reason string) error {
	p, err := g.backend.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != persistence.ProposalPending {
		return shared.ConflictError("memory.reject", "proposal %s is %s, not pending", id, p.Status)
	}
	if err := g.backend.RejectProposal(ctx, id, shared.SafeText(reason, MaxContentLength), g.now().UTC()); err != nil {
		return err
	}
	g.transition(ctx, p, persistence.ProposalPending, persistence.ProposalRejected, bus.TopicMemoryRejected)
	return nil
}

// Check reports the reasons the current policy would refuse p, without
// changing anything.
func (g *Gate) Check(p Proposal) []string {
	_, reasons := g.policy.Load().ValidateWrite(p)
	return reasons
}

func (g *Gate) GetProposal(ctx context.Context, id string) (Proposal, error) {
	return g.backend.GetProposal(ctx, id)
}

func (g *Gate) ListProposals(ctx context.Context, f ProposalFilter) ([]Proposal, error) {
	if f.Status != "" {
		switch f.Status {
		case persistence.ProposalPending, persistence.ProposalApproved, persistence.ProposalRejected:
		default:
			return nil, shared.ValidationError("memory.list_proposals", "unknown status %q", f.Status)
		}
	}
	return g.backend.ListProposals(ctx, f)
}

func (g *Gate) GetMemory(ctx context.Context, id string) (Record, error) {
	return g.backend.GetMemoryRecord(ctx, id)
}

func (g *Gate) ListMemories(ctx context.Context, f RecordFilter) ([]Record, error) {
	return g.backend.ListMemoryRecords(ctx, f)
}

// Search ranks durable memories against query. See Rank.
func (g *Gate) Search(ctx context.Context, query string, topK int) ([]SearchHit, error) {
	records, err := g.backend.ListMemoryRecords(ctx, RecordFilter{})
	if err != nil {
		return nil, err
	}
	return Rank(records, query, topK, g.now()), nil
}

func (g *Gate) transition(ctx context.Context, p Proposal, from, to persistence.ProposalStatus, topic string) {
	g.logger.Info("memory proposal transition",
		"request_id", shared.RequestID(ctx),
		"proposal_id", p.ID,
		"memory_type", p.MemoryType,
		"from", string(from),
		"to", string(to),
	)
	g.metrics.Count(ctx, g.metrics.MemoryTransitions, attribute.String("status", string(to)))
	if g.bus != nil {
		g.bus.Publish(topic, bus.MemoryEvent{
			ProposalID: p.ID,
			MemoryID:   p.MemoryID,
			MemoryType: p.MemoryType,
			Status:     string(to),
		})
	}
}
