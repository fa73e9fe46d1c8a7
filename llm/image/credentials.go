package image

import (
	"context"
	"strings"

	"github.com/BaSui01/imageflow/types"
)

// CredentialSource supplies provider API credentials.
// ok is false when nothing is configured; err is reserved for storage failures.
type CredentialSource interface {
	Credential(ctx context.Context, provider Provider) (secret string, ok bool, err error)
}

// StaticCredentials is an in-memory credential table for tests and single-node setups.
type StaticCredentials map[Provider]string

// Credential implements CredentialSource.
func (s StaticCredentials) Credential(_ context.Context, provider Provider) (string, bool, error) {
	v := strings.TrimSpace(s[provider])
	return v, v != "", nil
}

// resolveCredential returns not-connected when the credential is missing or empty.
func resolveCredential(ctx context.Context, src CredentialSource, provider Provider) (string, error) {
	if src == nil {
		return "", notConnected(provider)
	}
	secret, ok, err := src.Credential(ctx, provider)
	if err != nil {
		return "", types.Wrap(err, types.ErrStorage, "read credential")
	}
	secret = strings.TrimSpace(secret)
	if !ok || secret == "" {
		return "", notConnected(provider)
	}
	return secret, nil
}

// MaskSecret keeps only the last four characters, for logs and status output.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
