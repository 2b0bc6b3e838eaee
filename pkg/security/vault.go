package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	defaultSecretTTL = 24 * time.Hour
	keyInfo          = "agentflow secret vault v1"
)

// SecretOptions control how a secret is stored.
type SecretOptions struct {
	// Permissions lists principals allowed to read the secret. "*" allows
	// everyone. Empty means only the owner.
	Permissions []string
	TTL         time.Duration
}

// SecretInfo describes a stored secret without its value.
type SecretInfo struct {
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type secretRecord struct {
	SecretInfo

	Ciphertext []byte `json:"ciphertext"`
}

type cachedSecret struct {
	record *secretRecord
	value  string
}

func deriveKey(master []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)

	_, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(keyInfo)), key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive secret key: %w", err)
	}

	return key, nil
}

func (g *Gate) seal(name, plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(g.secretKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, []byte(plaintext), []byte(name)), nil
}

func (g *Gate) open(name string, ciphertext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(g.secretKey)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

// StoreSecret encrypts and stores value under name. The owner is always
// allowed to read it back.
func (g *Gate) StoreSecret(ctx context.Context, principal, name, value string, opts SecretOptions) (*SecretInfo, error) {
	const op = "security.StoreSecret"

	decision := g.Validate(ctx, principal, "store_secret", "secret:"+name, nil)
	if !decision.Allowed {
		return nil, apperr.New(apperr.KindPermission, op, apperr.CodeAccessDenied, decision.Reason)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultSecretTTL
	}

	permissions := opts.Permissions
	if len(permissions) == 0 {
		permissions = []string{principal}
	}

	ciphertext, err := g.seal(name, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := g.now()
	record := &secretRecord{
		SecretInfo: SecretInfo{
			Name:        name,
			Owner:       principal,
			Permissions: append([]string(nil), permissions...),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		},
		Ciphertext: ciphertext,
	}

	if g.store != nil {
		err := persistence.PutJSON(ctx, g.store, persistence.CollectionSecrets, name, record)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to persist secret: %w", op, err)
		}
	}

	g.vaultMu.Lock()
	g.secrets[name] = &cachedSecret{record: record, value: value}
	g.vaultMu.Unlock()

	g.logger.InfoContext(ctx, "Secret stored", "secret", name, "principal", principal, "expires_at", record.ExpiresAt)

	info := record.SecretInfo

	return &info, nil
}

// GetSecret returns the plaintext of name if principal may read it. Expired
// secrets are deleted and denied.
func (g *Gate) GetSecret(ctx context.Context, principal, name string) (string, error) {
	const op = "security.GetSecret"

	decision := g.Validate(ctx, principal, "read_secret", "secret:"+name, nil)
	if !decision.Allowed {
		return "", apperr.New(apperr.KindPermission, op, apperr.CodeAccessDenied, decision.Reason)
	}

	cached, err := g.loadSecret(ctx, name)
	if err != nil {
		return "", err
	}

	if !g.now().Before(cached.record.ExpiresAt) {
		g.deleteSecret(ctx, name)
		g.recordDecision(ctx, principal, "read_secret", "secret:"+name, nil, Decision{
			Allowed: false,
			Reason:  "secret expired",
			Risk:    models.RiskMedium,
		})

		return "", apperr.Newf(apperr.KindPermission, op, apperr.CodeSecretExpired, "secret %s expired", name)
	}

	if !g.IsTrusted(principal) && !models.MatchAny(cached.record.Permissions, principal) {
		g.recordDecision(ctx, principal, "read_secret", "secret:"+name, nil, Decision{
			Allowed: false,
			Reason:  "principal not in secret permission list",
			Risk:    models.RiskHigh,
		})

		return "", apperr.Newf(apperr.KindPermission, op, apperr.CodeAccessDenied, "principal %s may not read secret %s", principal, name)
	}

	return cached.value, nil
}

// DeleteSecret removes name. Only the owner or a trusted principal may delete.
func (g *Gate) DeleteSecret(ctx context.Context, principal, name string) error {
	const op = "security.DeleteSecret"

	cached, err := g.loadSecret(ctx, name)
	if err != nil {
		return err
	}

	if cached.record.Owner != principal && !g.IsTrusted(principal) {
		g.recordDecision(ctx, principal, "delete_secret", "secret:"+name, nil, Decision{
			Allowed: false,
			Reason:  "only the owner may delete a secret",
			Risk:    models.RiskHigh,
		})

		return apperr.Newf(apperr.KindPermission, op, apperr.CodeAccessDenied, "principal %s may not delete secret %s", principal, name)
	}

	g.deleteSecret(ctx, name)

	return nil
}

// Secrets lists stored secrets without their values.
func (g *Gate) Secrets() []SecretInfo {
	g.vaultMu.RLock()
	defer g.vaultMu.RUnlock()

	out := make([]SecretInfo, 0, len(g.secrets))
	for _, cached := range g.secrets {
		out = append(out, cached.record.SecretInfo)
	}

	return out
}

func (g *Gate) loadSecret(ctx context.Context, name string) (*cachedSecret, error) {
	const op = "security.GetSecret"

	g.vaultMu.RLock()
	cached, ok := g.secrets[name]
	g.vaultMu.RUnlock()

	if ok {
		return cached, nil
	}

	if g.store == nil {
		return nil, apperr.Newf(apperr.KindNotFound, op, apperr.CodeSecretNotFound, "secret %s not found", name)
	}

	record, err := persistence.GetJSON[secretRecord](ctx, g.store, persistence.CollectionSecrets, name)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, apperr.Newf(apperr.KindNotFound, op, apperr.CodeSecretNotFound, "secret %s not found", name)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	value, err := g.open(name, record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cached = &cachedSecret{record: record, value: value}

	g.vaultMu.Lock()
	g.secrets[name] = cached
	g.vaultMu.Unlock()

	return cached, nil
}

func (g *Gate) deleteSecret(ctx context.Context, name string) {
	g.vaultMu.Lock()
	delete(g.secrets, name)
	g.vaultMu.Unlock()

	if g.store != nil {
		err := g.store.Delete(ctx, persistence.CollectionSecrets, name)
		if err != nil && !persistence.IsNotFound(err) {
			g.logger.WarnContext(ctx, "Failed to delete persisted secret", "secret", name, "error", err)
		}
	}
}
