// Package approval signs and verifies plan approvals.
package approval

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/otel"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/shared"
)

const DefaultTTL = 12 * time.Hour

// Context identifies who is asking and why.
type Context struct {
	Subject   string
	Role      string
	SessionID string
	Intent    string
}

// Approval attests that one exact plan was authorised.
type Approval struct {
	Approved        bool      `json:"approved"`
	PolicySignature string    `json:"policy_signature"`
	PolicyVersion   string    `json:"policy_version"`
	IssuedAt        time.Time `json:"issued_at"`
	Reason          string    `json:"reason,omitempty"`
	Token           string    `json:"token,omitempty"`
}

// Verifier checks an approval against the plan about to run.
type Verifier interface {
	Verify(p plan.Plan, a Approval) error
}

type Options struct {
	TTL     time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
	Bus     bus.Publisher
	Metrics *otel.Metrics
}

type Issuer struct {
	secret  []byte
	policy  policy.Checker
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	bus     bus.Publisher
	metrics *otel.Metrics
}

func NewIssuer(secret []byte, checker policy.Checker, opts Options) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("approval issuer: signing secret is empty")
	}
	if checker == nil {
		return nil, fmt.Errorf("approval issuer: policy is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	return &Issuer{
		secret:  append([]byte(nil), secret...),
		policy:  checker,
		ttl:     opts.TTL,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "approval"),
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}, nil
}

// IssueApproval signs p when the intent and every step are allowed for the
// caller's role. A denial is returned as an unapproved Approval, not an error;
// errors are reserved for malformed plans.
func (i *Issuer) IssueApproval(ctx context.Context, p plan.Plan, actx Context) (Approval, error) {
	if err := p.Validate(); err != nil {
		return Approval{}, err
	}
	now := i.now().UTC()
	version := i.policy.PolicyVersion()

	if reason := i.denyReason(p, actx); reason != "" {
		i.logger.Info("approval denied", "request_id", shared.RequestID(ctx), "subject", actx.Subject, "intent", actx.Intent, "reason", reason)
		i.metrics.Count(ctx, i.metrics.ApprovalsDenied, otel.AttrIntent.String(actx.Intent))
		i.publish(bus.TopicApprovalDenied, bus.ApprovalEvent{
			RequestID: shared.RequestID(ctx), Subject: actx.Subject, Intent: actx.Intent,
			Reason: reason, PolicyVersion: version,
		})
		return Approval{Approved: false, PolicyVersion: version, IssuedAt: now, Reason: reason}, nil
	}

	sig, err := i.sign(p)
	if err != nil {
		return Approval{}, err
	}
	digest, err := p.Digest()
	if err != nil {
		return Approval{}, err
	}
	token, err := SignToken(i.secret, Claims{
		Subject:   actx.Subject,
		Role:      actx.Role,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.ttl).Unix(),
		Plan:      digest,
	})
	if err != nil {
		return Approval{}, err
	}

	i.logger.Info("approval issued", "request_id", shared.RequestID(ctx), "subject", actx.Subject, "intent", actx.Intent, "steps", len(p.Steps))
	i.metrics.Count(ctx, i.metrics.ApprovalsIssued, otel.AttrIntent.String(actx.Intent))
	i.publish(bus.TopicApprovalIssued, bus.ApprovalEvent{
		RequestID: shared.RequestID(ctx), Subject: actx.Subject, Intent: actx.Intent,
		Approved: true, PolicyVersion: version,
	})
	return Approval{
		Approved:        true,
		PolicySignature: sig,
		PolicyVersion:   version,
		IssuedAt:        now,
		Token:           token,
	}, nil
}

func (i *Issuer) publish(topic string, ev bus.ApprovalEvent) {
	if i.bus != nil {
		i.bus.Publish(topic, ev)
	}
}

func (i *Issuer) denyReason(p plan.Plan, actx Context) string {
	if !i.policy.AllowIntent(actx.Intent, actx.Role) {
		return fmt.Sprintf("intent %q is not allowed for role %q", actx.Intent, actx.Role)
	}
	for _, s := range p.Steps {
		if !i.policy.AllowStep(actx.Role, s.Tool, s.Action) {
			return fmt.Sprintf("step %s (%s.%s) is not allowed for role %q", s.ID, s.Tool, s.Action, actx.Role)
		}
	}
	return ""
}

func (i *Issuer) sign(p plan.Plan) (string, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(mac(i.secret, canonical)), nil
}

// Verify fails with a policy error unless a is approved, its signature
// matches p exactly and its token is unexpired and bound to the same plan.
func (i *Issuer) Verify(p plan.Plan, a Approval) error {
	const op = "approval.verify"
	if !a.Approved {
		return shared.PolicyError(op, "plan is not approved")
	}
	if a.PolicySignature == "" {
		return shared.PolicyError(op, "approval signature is missing")
	}
	want, err := i.sign(p)
	if err != nil {
		return shared.PolicyError(op, "approval signature is invalid")
	}
	if !hmac.Equal([]byte(want), []byte(a.PolicySignature)) {
		return shared.PolicyError(op, "approval signature is invalid")
	}
	if a.Token == "" {
		return shared.PolicyError(op, "approval token is missing")
	}
	claims, err := ParseToken(i.secret, a.Token, i.now())
	if err != nil {
		return err
	}
	digest, err := p.Digest()
	if err != nil || claims.Plan != digest {
		return shared.PolicyError(op, "approval token is bound to a different plan")
	}
	return nil
}
