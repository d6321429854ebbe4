package approval

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/gatekeep/internal/shared"
)

const DefaultAdminPassword = "admin"

// Credentials is the single-user auth.json record. SecretKey signs approvals
// and session tokens.
type Credentials struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
	SecretKey    string `json:"secret_key"`
}

// Principal is an authenticated caller.
type Principal struct {
	Username string
	Role     string
}

// LoadOrCreateCredentials reads path, or creates it with a fresh secret and a
// bcrypt hash of password. created reports whether the file was written.
func LoadOrCreateCredentials(path, username, password string) (creds *Credentials, created bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var c Credentials
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		if c.SecretKey == "" || c.PasswordHash == "" || c.Username == "" {
			return nil, false, fmt.Errorf("%s is incomplete", filepath.Base(path))
		}
		if c.Role == "" {
			c.Role = "user"
		}
		return &c, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read credentials: %w", err)
	}

	if strings.TrimSpace(username) == "" {
		username = "admin"
	}
	if password == "" {
		password = DefaultAdminPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, fmt.Errorf("hash admin password: %w", err)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, fmt.Errorf("generate secret: %w", err)
	}
	c := &Credentials{
		Username:     username,
		Role:         "admin",
		PasswordHash: string(hash),
		SecretKey:    base64.URLEncoding.EncodeToString(raw),
	}
	if err := c.save(path); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (c *Credentials) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, path)
}

// Secret returns the signing secret bytes.
func (c *Credentials) Secret() []byte {
	return []byte(c.SecretKey)
}

func (c *Credentials) VerifyPassword(username, password string) (Principal, error) {
	const op = "approval.verify_password"
	if username != c.Username {
		return Principal{}, shared.PolicyError(op, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		return Principal{}, shared.PolicyError(op, "invalid credentials")
	}
	return Principal{Username: c.Username, Role: c.Role}, nil
}

// Login checks the password and returns a session token valid for ttl.
func (c *Credentials) Login(username, password string, ttl time.Duration, now time.Time) (string, error) {
	p, err := c.VerifyPassword(username, password)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return SignToken(c.Secret(), Claims{
		Subject:   p.Username,
		Role:      p.Role,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
}

// VerifySession parses a session token issued by Login.
func (c *Credentials) VerifySession(token string, now time.Time) (Principal, error) {
	claims, err := ParseToken(c.Secret(), token, now)
	if err != nil {
		return Principal{}, err
	}
	role := claims.Role
	if role == "" {
		role = "user"
	}
	return Principal{Username: claims.Subject, Role: role}, nil
}
