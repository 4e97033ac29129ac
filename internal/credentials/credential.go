// Package credentials implements named credential stores and the registry
// the provider factory resolves them from.
//
// A store knows how to produce a Credential (simple API key, AWS key pair,
// instance-profile marker, ...) from its configured source. Stores are
// referenced from provider configs either by name or by numeric id; the two
// namespaces are kept bijective by the Registry.
package credentials

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Credential is an immutable view of resolved secrets for one store.
type Credential interface {
	// Validate checks the credential's internal consistency (key shapes,
	// region format). It does not call out to the provider.
	Validate() error

	// Expired reports whether the credential should no longer be used.
	Expired() bool

	// AuthHeaders returns the HTTP headers that authenticate a request.
	// May be empty for credentials that sign requests instead (AWS).
	AuthHeaders() map[string]string
}

// ProviderConfigurer is an optional interface for credentials that carry
// provider-level settings beyond headers (e.g. the AWS region).
type ProviderConfigurer interface {
	ProviderConfig() map[string]string
}

// Simple is a single API key credential.
type Simple struct {
	APIKey    string
	ExpiresAt time.Time // zero = never expires
}

var placeholderRe = regexp.MustCompile(`^\$\{[^}]*\}$`)

// Validate enforces a minimum key length and rejects unexpanded
// ${VAR} placeholders that leaked through config templating.
func (c Simple) Validate() error {
	if placeholderRe.MatchString(c.APIKey) {
		return fmt.Errorf("credentials: api key is an unresolved placeholder %q", c.APIKey)
	}
	if len(c.APIKey) < 8 {
		return fmt.Errorf("credentials: api key too short (%d chars, need ≥ 8)", len(c.APIKey))
	}
	return nil
}

func (c Simple) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// AuthHeaders picks the header scheme from the key shape: OpenAI-style keys
// (sk-…) use a bearer token, everything else uses x-api-key.
func (c Simple) AuthHeaders() map[string]string {
	if strings.HasPrefix(c.APIKey, "sk-") {
		return map[string]string{"Authorization": "Bearer " + c.APIKey}
	}
	return map[string]string{"x-api-key": c.APIKey}
}

// AWSAuthMode selects how an AWS credential authenticates.
type AWSAuthMode string

const (
	AWSAuthKeys            AWSAuthMode = "keys"
	AWSAuthInstanceProfile AWSAuthMode = "instance-profile"
	AWSAuthWebIdentity     AWSAuthMode = "web-identity"
)

// AWS holds resolved AWS credentials (or an instance-profile / web-identity
// marker with no static keys).
type AWS struct {
	Mode            AWSAuthMode
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Profile         string
	Metadata        map[string]string
	ExpiresAt       time.Time
}

var awsRegionRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

func (c AWS) Validate() error {
	if !awsRegionRe.MatchString(c.Region) {
		return fmt.Errorf("credentials: invalid AWS region %q", c.Region)
	}
	if c.Mode != AWSAuthKeys {
		return nil // marker modes carry no static keys to validate
	}
	if n := len(c.AccessKeyID); n < 16 || n > 32 {
		return fmt.Errorf("credentials: AWS access key id length %d, want 16–32", n)
	}
	if len(c.SecretAccessKey) < 32 {
		return fmt.Errorf("credentials: AWS secret access key too short (need ≥ 32 chars)")
	}
	return nil
}

func (c AWS) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// AuthHeaders is empty: AWS requests are authenticated by SigV4 signing in
// the Bedrock adapter, not by a static header.
func (c AWS) AuthHeaders() map[string]string { return nil }

// ProviderConfig surfaces the settings the Bedrock adapter needs.
func (c AWS) ProviderConfig() map[string]string {
	out := map[string]string{
		"region": c.Region,
		"mode":   string(c.Mode),
	}
	if c.Profile != "" {
		out["profile"] = c.Profile
	}
	for k, v := range c.Metadata {
		out[k] = v
	}
	return out
}
