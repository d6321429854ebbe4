package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/gatekeep/internal/config"
	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/memory"
	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/telemetry"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkPermissions,
		checkDatabase,
		checkCredentials,
		checkPolicy,
		checkMemoryPolicy,
		checkLedger,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsBootstrap {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

// checkEnvironment lists GATEKEEP_* overrides with secret values masked.
func checkEnvironment(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Environment", Status: StatusSkip, Message: "Config missing"}
	}
	var set []string
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "GATEKEEP_") {
			set = append(set, key+"="+shared.RedactEnvValue(key, value))
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: StatusPass, Message: "No GATEKEEP_* overrides"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d GATEKEEP_* overrides", len(set)),
		Detail:  strings.Join(set, " "),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	v, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Connection valid, schema v%d", v)}
}

// checkCredentials only inspects auth.json; it never creates it.
func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.CredentialsPath()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Credentials", Status: StatusWarn, Message: "auth.json not created yet", Detail: "Run `gatekeep login` to bootstrap credentials"}
	}
	if err != nil {
		return CheckResult{Name: "Credentials", Status: StatusFail, Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return CheckResult{Name: "Credentials", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	var creds struct {
		Username  string `json:"username"`
		SecretKey string `json:"secret_key"`
	}
	if err := json.Unmarshal(data, &creds); err != nil || creds.SecretKey == "" || creds.Username == "" {
		return CheckResult{Name: "Credentials", Status: StatusFail, Message: "auth.json is malformed or has no signing secret"}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Credentials", Status: StatusWarn, Message: fmt.Sprintf("auth.json is readable by others (%o)", info.Mode().Perm()), Detail: "chmod 600 " + path}
	}
	return CheckResult{Name: "Credentials", Status: StatusPass, Message: fmt.Sprintf("Signing secret present for %s", creds.Username)}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
	}
	if _, err := os.Stat(cfg.PolicyPath()); os.IsNotExist(err) {
		return CheckResult{Name: "Policy", Status: StatusPass, Message: fmt.Sprintf("Using built-in policy %s", p.PolicyVersion())}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: fmt.Sprintf("Loaded policy %s", p.PolicyVersion())}
}

func checkMemoryPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Memory policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := memory.LoadPolicy(cfg.MemoryPolicyPath())
	if err != nil {
		return CheckResult{Name: "Memory policy", Status: StatusFail, Message: fmt.Sprintf("memory_policy.yaml invalid: %v", err)}
	}
	if len(p.SecretPatterns) == 0 {
		return CheckResult{Name: "Memory policy", Status: StatusWarn, Message: "Secret pattern check is disabled"}
	}
	return CheckResult{Name: "Memory policy", Status: StatusPass, Message: fmt.Sprintf("%d secret patterns", len(p.SecretPatterns))}
}

func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Failure ledger", Status: StatusSkip, Message: "Config missing"}
	}
	l, err := failures.NewLedger(cfg.FailuresDir(), failures.Options{Logger: telemetry.Discard()})
	if err != nil {
		return CheckResult{Name: "Failure ledger", Status: StatusFail, Message: err.Error()}
	}
	now := time.Now()
	events, err := l.ListFailures(ctx, now.AddDate(0, 0, -30), now, failures.Filter{})
	if err != nil {
		return CheckResult{Name: "Failure ledger", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	open := 0
	for _, ev := range events {
		if ev.Resolution.Status == failures.StatusNew || ev.Resolution.Status == failures.StatusInReview {
			open++
		}
	}
	msg := fmt.Sprintf("%d failures in the last 30 days, %d unresolved", len(events), open)
	if n := l.Skipped(); n > 0 {
		return CheckResult{Name: "Failure ledger", Status: StatusWarn, Message: msg, Detail: fmt.Sprintf("%d unreadable lines skipped", n)}
	}
	return CheckResult{Name: "Failure ledger", Status: StatusPass, Message: msg}
}
