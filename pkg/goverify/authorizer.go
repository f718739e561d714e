package goverify

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Client key lookup falls back to these entries when an app has no keys of its own.
const (
	ClientKeyWildcard = "*"
	ClientKeyShared   = "shared"
)

// ClientKeyKind is the stored form of a configured client key.
type ClientKeyKind int

const (
	// ClientKeyHashed is configured as "sha256:<hex digest>".
	ClientKeyHashed ClientKeyKind = iota
	// ClientKeyPlain is configured as "plain:<value>".
	ClientKeyPlain
	// ClientKeyLegacy is a bare value without a prefix.
	ClientKeyLegacy
)

func (k ClientKeyKind) String() string {
	switch k {
	case ClientKeyHashed:
		return "sha256"
	case ClientKeyPlain:
		return "plain"
	default:
		return "legacy"
	}
}

// ClientKey is a configured client credential, resolved once at load time.
// Every form is held as a SHA-256 digest so comparison is constant-time and length-independent.
type ClientKey struct {
	Kind   ClientKeyKind
	digest [sha256.Size]byte
}

// ParseClientKey parses a configured client key in any of its accepted forms.
func ParseClientKey(raw string) (ClientKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClientKey{}, fmt.Errorf("client key is empty")
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "sha256:"):
		decoded, err := hex.DecodeString(strings.TrimSpace(raw[len("sha256:"):]))
		if err != nil || len(decoded) != sha256.Size {
			return ClientKey{}, fmt.Errorf("client key: sha256 form needs a %d-char hex digest", sha256.Size*2)
		}
		key := ClientKey{Kind: ClientKeyHashed}
		copy(key.digest[:], decoded)
		return key, nil
	case strings.HasPrefix(lower, "plain:"):
		value := raw[len("plain:"):]
		if value == "" {
			return ClientKey{}, fmt.Errorf("client key: plain form has no value")
		}
		return ClientKey{Kind: ClientKeyPlain, digest: sha256.Sum256([]byte(value))}, nil
	default:
		return ClientKey{Kind: ClientKeyLegacy, digest: sha256.Sum256([]byte(raw))}, nil
	}
}

// MustParseClientKey is like ParseClientKey but panics on error.
func MustParseClientKey(raw string) ClientKey {
	key, err := ParseClientKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// Matches reports whether presented is the credential this key describes.
func (k ClientKey) Matches(presented string) bool {
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(sum[:], k.digest[:]) == 1
}

// AppConfig is the allow-list entry for one application.
type AppConfig struct {
	PackageName     string
	SubscriptionIDs []string
}

// AuthorizerConfig configures an Authorizer.
type AuthorizerConfig struct {
	// Apps maps app IDs to their allow-list entries. Unknown apps are denied.
	Apps map[string]AppConfig

	// ClientKeys maps app IDs (or "*" / "shared") to accepted client keys.
	ClientKeys map[string][]ClientKey

	// RequireClientKey denies apps that have no client key configured.
	RequireClientKey bool
}

type appEntry struct {
	packageName   string
	subscriptions map[string]struct{}
	keys          []ClientKey
}

// Authorizer checks requests against the app allow-list and client credentials.
// It is read-only after construction and safe for concurrent use.
type Authorizer struct {
	apps       map[string]*appEntry
	requireKey bool
}

// NewAuthorizer resolves the configuration into an Authorizer.
func NewAuthorizer(config AuthorizerConfig) (*Authorizer, error) {
	apps := make(map[string]*appEntry, len(config.Apps))
	for appID, app := range config.Apps {
		if strings.TrimSpace(appID) == "" {
			return nil, fmt.Errorf("authorizer: empty app id")
		}
		if strings.TrimSpace(app.PackageName) == "" {
			return nil, fmt.Errorf("authorizer: app %q has no package name", appID)
		}
		entry := &appEntry{
			packageName:   strings.TrimSpace(app.PackageName),
			subscriptions: make(map[string]struct{}, len(app.SubscriptionIDs)),
			keys:          resolveClientKeys(config.ClientKeys, appID),
		}
		for _, id := range app.SubscriptionIDs {
			if id = strings.TrimSpace(id); id != "" {
				entry.subscriptions[id] = struct{}{}
			}
		}
		apps[appID] = entry
	}
	return &Authorizer{apps: apps, requireKey: config.RequireClientKey}, nil
}

func resolveClientKeys(keys map[string][]ClientKey, appID string) []ClientKey {
	for _, lookup := range []string{appID, ClientKeyWildcard, ClientKeyShared} {
		if k, ok := keys[lookup]; ok && len(k) > 0 {
			return k
		}
	}
	return nil
}

// Authorize checks that appID is allow-listed and that clientKey matches one of its keys.
// Apps without configured keys accept any caller unless RequireClientKey is set.
func (a *Authorizer) Authorize(appID, clientKey string) error {
	app, ok := a.apps[appID]
	if !ok {
		return newVerifyError(KindForbidden, "app is not allowed", nil)
	}
	if len(app.keys) == 0 {
		if a.requireKey {
			return newVerifyError(KindAuthDenied, "invalid client key", nil)
		}
		return nil
	}
	if clientKey == "" {
		return newVerifyError(KindAuthDenied, "missing client key", nil)
	}

	// Check every key so timing does not reveal which one matched.
	matched := false
	for _, key := range app.keys {
		if key.Matches(clientKey) {
			matched = true
		}
	}
	if !matched {
		return newVerifyError(KindAuthDenied, "invalid client key", nil)
	}
	return nil
}

// CheckProduct checks that packageName belongs to appID and subscriptionID is allowed for it.
func (a *Authorizer) CheckProduct(appID, packageName, subscriptionID string) error {
	app, ok := a.apps[appID]
	if !ok {
		return newVerifyError(KindForbidden, "app is not allowed", nil)
	}
	if app.packageName != packageName {
		return newVerifyError(KindForbidden, "package name does not match app", nil)
	}
	if len(app.subscriptions) > 0 {
		if _, ok := app.subscriptions[subscriptionID]; !ok {
			return newVerifyError(KindValidation, "subscription is not allowed for app", nil)
		}
	}
	return nil
}

// AppIDs returns the allow-listed app IDs.
func (a *Authorizer) AppIDs() []string {
	ids := make([]string, 0, len(a.apps))
	for id := range a.apps {
		ids = append(ids, id)
	}
	return ids
}
