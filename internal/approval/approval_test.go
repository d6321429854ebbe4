package approval_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/telemetry"
)

var testSecret = []byte("test-secret-0123456789")

func newIssuer(t *testing.T, now func() time.Time, b bus.Publisher) *approval.Issuer {
	t.Helper()
	iss, err := approval.NewIssuer(testSecret, policy.Default(), approval.Options{
		Now:    now,
		Logger: telemetry.Discard(),
		Bus:    b,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss
}

func statusPlan() plan.Plan {
	return plan.Plan{
		Goal:   "status",
		Domain: "system",
		Risk:   plan.RiskLow,
		Origin: plan.OriginRouter,
		Steps:  []plan.PlanStep{{ID: "step-1", Tool: "system", Action: "status", Args: map[string]any{}}},
	}
}

func TestIssueApproval_SignsAllowedPlan(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("approval.")
	defer b.Unsubscribe(sub)
	iss := newIssuer(t, nil, b)

	a, err := iss.IssueApproval(context.Background(), statusPlan(), approval.Context{Subject: "alice", Role: "guest", Intent: "status"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !a.Approved || a.PolicySignature == "" || a.Token == "" || a.PolicyVersion == "" {
		t.Fatalf("expected signed approval, got %+v", a)
	}
	if err := iss.Verify(statusPlan(), a); err != nil {
		t.Fatalf("verify: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicApprovalIssued {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no approval event published")
	}
}

func TestIssueApproval_DeniesFailClosed(t *testing.T) {
	iss := newIssuer(t, nil, nil)
	tests := []struct {
		name string
		p    plan.Plan
		actx approval.Context
		want string
	}{
		{"unknown intent", statusPlan(), approval.Context{Subject: "root", Role: "admin", Intent: "unknown"}, "intent"},
		{"guest memory", statusPlan(), approval.Context{Subject: "bob", Role: "guest", Intent: "memory"}, "intent"},
		{"guest step", plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{ID: "s1", Tool: "memory", Action: "propose"}}},
			approval.Context{Subject: "bob", Role: "guest", Intent: "status"}, "step s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := iss.IssueApproval(context.Background(), tt.p, tt.actx)
			if err != nil {
				t.Fatalf("denial must not be an error: %v", err)
			}
			if a.Approved || a.PolicySignature != "" || a.Token != "" {
				t.Fatalf("expected fail-closed approval, got %+v", a)
			}
			if !strings.Contains(a.Reason, tt.want) {
				t.Fatalf("reason %q does not mention %q", a.Reason, tt.want)
			}
			if err := iss.Verify(tt.p, a); !errors.Is(err, shared.ErrPolicy) {
				t.Fatalf("denied approval must not verify: %v", err)
			}
		})
	}
}

func TestIssueApproval_InvalidPlan(t *testing.T) {
	iss := newIssuer(t, nil, nil)
	_, err := iss.IssueApproval(context.Background(), plan.Plan{Risk: plan.RiskLow}, approval.Context{Role: "admin", Intent: "action"})
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	iss := newIssuer(t, nil, nil)
	p := statusPlan()
	a, _ := iss.IssueApproval(context.Background(), p, approval.Context{Subject: "alice", Role: "admin", Intent: "status"})

	altered := p.Clone()
	altered.Steps[0].Args["verbose"] = true
	if err := iss.Verify(altered, a); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for altered plan, got %v", err)
	}

	missing := a
	missing.PolicySignature = ""
	if err := iss.Verify(p, missing); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for missing signature, got %v", err)
	}

	forged := a
	forged.PolicySignature = strings.Repeat("A", len(a.PolicySignature))
	if err := iss.Verify(p, forged); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for forged signature, got %v", err)
	}

	other, err := approval.NewIssuer([]byte("another-secret"), policy.Default(), approval.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if err := other.Verify(p, a); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error under a different secret, got %v", err)
	}
}

func TestVerify_TokenRequired(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	iss := newIssuer(t, func() time.Time { return clock }, nil)
	p := statusPlan()
	a, _ := iss.IssueApproval(context.Background(), p, approval.Context{Subject: "alice", Role: "admin", Intent: "status"})
	if err := iss.Verify(p, a); err != nil {
		t.Fatalf("fresh approval rejected: %v", err)
	}

	stripped := a
	stripped.Token = ""
	err := iss.Verify(p, stripped)
	if !errors.Is(err, shared.ErrPolicy) || !strings.Contains(err.Error(), "token is missing") {
		t.Fatalf("expected missing token policy error, got %v", err)
	}

	clock = clock.Add(13 * time.Hour)
	if err := iss.Verify(p, stripped); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("stripped token outlived its ttl: %v", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	iss := newIssuer(t, func() time.Time { return clock }, nil)
	p := statusPlan()
	a, _ := iss.IssueApproval(context.Background(), p, approval.Context{Subject: "alice", Role: "admin", Intent: "status"})

	clock = clock.Add(13 * time.Hour)
	err := iss.Verify(p, a)
	if !errors.Is(err, shared.ErrPolicy) || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expiry policy error, got %v", err)
	}
}

func TestToken_WireFormat(t *testing.T) {
	now := time.Unix(1_780_000_000, 0)
	tok, err := approval.SignToken(testSecret, approval.Claims{Subject: "alice", IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		t.Fatalf("expected payload.signature, got %q", tok)
	}
	c, err := approval.ParseToken(testSecret, tok, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Subject != "alice" || c.IssuedAt != now.Unix() || c.ExpiresAt != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected claims %+v", c)
	}

	if _, err := approval.ParseToken([]byte("wrong"), tok, now); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for wrong secret, got %v", err)
	}
	tampered := parts[0][:len(parts[0])-2] + "xx." + parts[1]
	if _, err := approval.ParseToken(testSecret, tampered, now); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for tampered payload, got %v", err)
	}
	for _, bad := range []string{"", "nodot", ".", "abc."} {
		if _, err := approval.ParseToken(testSecret, bad, now); !errors.Is(err, shared.ErrPolicy) {
			t.Fatalf("ParseToken(%q): expected policy error, got %v", bad, err)
		}
	}
	if _, err := approval.SignToken(nil, approval.Claims{Subject: "x"}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for empty secret, got %v", err)
	}
}

func TestCredentials_BootstrapAndLogin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	creds, created, err := approval.LoadOrCreateCredentials(path, "admin", "correct horse")
	if err != nil || !created {
		t.Fatalf("create credentials: created=%v err=%v", created, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	again, created, err := approval.LoadOrCreateCredentials(path, "ignored", "ignored")
	if err != nil || created {
		t.Fatalf("reload credentials: created=%v err=%v", created, err)
	}
	if string(again.Secret()) != string(creds.Secret()) || again.Username != "admin" {
		t.Fatal("reload did not return the stored credentials")
	}

	if _, err := creds.VerifyPassword("admin", "wrong"); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for wrong password, got %v", err)
	}
	if _, err := creds.VerifyPassword("mallory", "correct horse"); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error for wrong user, got %v", err)
	}

	now := time.Now()
	tok, err := creds.Login("admin", "correct horse", time.Hour, now)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	p, err := again.VerifySession(tok, now.Add(30*time.Minute))
	if err != nil || p.Username != "admin" || p.Role != "admin" {
		t.Fatalf("verify session: %+v %v", p, err)
	}
	if _, err := again.VerifySession(tok, now.Add(2*time.Hour)); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestCredentials_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := approval.LoadOrCreateCredentials(path, "admin", "pw"); err == nil {
		t.Fatal("expected parse error")
	}
}
