package model

import "errors"

var ErrEmptyIdentity = errors.New("identity cannot be empty")

// SessionContext carries the caller's identity through every operation.
// Token is empty for identities that have not logged in.
type SessionContext struct {
	Identity  string
	Token     string
	ContentID string
}

// NewSessionContext validates and builds a SessionContext.
func NewSessionContext(identity, token, contentID string) (SessionContext, error) {
	if identity == "" {
		return SessionContext{}, ErrEmptyIdentity
	}
	return SessionContext{
		Identity:  identity,
		Token:     token,
		ContentID: contentID,
	}, nil
}

// Authenticated reports whether the session carries a backend token.
func (s SessionContext) Authenticated() bool {
	return s.Token != ""
}

// AuthTokenKey is the store key under which an identity's bearer token is kept.
func AuthTokenKey(identity string) string {
	return authTokenPrefix + identity
}

// IdentityFromAuthTokenKey reverses AuthTokenKey.
func IdentityFromAuthTokenKey(key string) (string, bool) {
	if len(key) <= len(authTokenPrefix) || key[:len(authTokenPrefix)] != authTokenPrefix {
		return "", false
	}
	return key[len(authTokenPrefix):], true
}

const authTokenPrefix = "auth_"

// UsageCounterKey is the store key of an identity's local enhancement counter.
func UsageCounterKey(identity string) string {
	return "usage_" + identity
}

// UploadLogKey is the store key of an identity's upload timestamp log.
func UploadLogKey(identity string) string {
	return "uploads_" + identity
}
