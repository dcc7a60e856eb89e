package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Provider names the sign-in mechanism that vouched for an identity.
type Provider string

const (
	ProviderInternetIdentity Provider = "internet_identity"
	ProviderGoogle           Provider = "google"
)

// Identity is a signed-in user, regardless of which provider supplied it.
type Identity interface {
	Provider() Provider
	// Subject is the stable owner key for persisted data.
	Subject() string
	DisplayName() string
	IsAuthenticated() bool
}

// DecentralizedIdentity is an Internet Identity delegation, known by its principal.
type DecentralizedIdentity struct {
	Principal string
}

func (d DecentralizedIdentity) Provider() Provider    { return ProviderInternetIdentity }
func (d DecentralizedIdentity) Subject() string       { return "ii:" + d.Principal }
func (d DecentralizedIdentity) IsAuthenticated() bool { return d.Principal != "" }

// DisplayName shortens the principal the way the wallet badge does.
func (d DecentralizedIdentity) DisplayName() string {
	if len(d.Principal) <= 16 {
		return d.Principal
	}
	return d.Principal[:8] + "..." + d.Principal[len(d.Principal)-8:]
}

// Profile is the decoded OAuth identity token payload.
type Profile struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// OAuthIdentity is a Google account.
type OAuthIdentity struct {
	Profile Profile
}

func (o OAuthIdentity) Provider() Provider    { return ProviderGoogle }
func (o OAuthIdentity) Subject() string       { return "google:" + o.Profile.Subject }
func (o OAuthIdentity) IsAuthenticated() bool { return o.Profile.Subject != "" }

func (o OAuthIdentity) DisplayName() string {
	if o.Profile.Name != "" {
		return o.Profile.Name
	}
	return o.Profile.Email
}

// IdentityFromClaims builds the identity variant named by the claims.
func IdentityFromClaims(c *Claims) (Identity, error) {
	switch Provider(c.Provider) {
	case ProviderInternetIdentity:
		principal := strings.TrimSpace(c.Principal)
		if principal == "" {
			principal = strings.TrimSpace(c.Subject)
		}
		if principal == "" {
			return nil, errors.New("missing principal")
		}
		return DecentralizedIdentity{Principal: principal}, nil
	case ProviderGoogle:
		if strings.TrimSpace(c.Subject) == "" {
			return nil, errors.New("missing subject")
		}
		return OAuthIdentity{Profile: Profile{
			Subject: c.Subject,
			Email:   c.Email,
			Name:    c.Name,
			Picture: c.Picture,
		}}, nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", c.Provider)
	}
}
