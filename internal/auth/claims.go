package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// RealmAccess carries the identity provider's realm role assignments.
type RealmAccess struct {
	Roles []string `json:"roles,omitempty"`
}

// Claims is the typed payload of a validated access token. Standard claims
// live in the embedded RegisteredClaims; recognized provider claims are
// typed fields; anything else lands in Extra after validation.
type Claims struct {
	jwt.RegisteredClaims

	Type              string      `json:"typ,omitempty"`
	PreferredUsername string      `json:"preferred_username,omitempty"`
	Email             string      `json:"email,omitempty"`
	EmailVerified     bool        `json:"email_verified,omitempty"`
	GivenName         string      `json:"given_name,omitempty"`
	FamilyName        string      `json:"family_name,omitempty"`
	RealmAccess       RealmAccess `json:"realm_access,omitempty"`
	Groups            []string    `json:"groups,omitempty"`
	MakerspaceID      string      `json:"makerspace_id,omitempty"`
	ProviderID        string      `json:"provider_id,omitempty"`

	// Extra holds claims outside the recognized set.
	Extra map[string]any `json:"-"`
}

// UserInfo is the normalized user record extracted from validated claims.
type UserInfo struct {
	ID            string   `json:"id"`
	KeycloakID    string   `json:"keycloak_id"`
	Email         string   `json:"email,omitempty"`
	Username      string   `json:"username,omitempty"`
	FirstName     string   `json:"first_name,omitempty"`
	LastName      string   `json:"last_name,omitempty"`
	Roles         []string `json:"roles"`
	Groups        []string `json:"groups"`
	EmailVerified bool     `json:"email_verified"`
	MakerspaceID  string   `json:"makerspace_id,omitempty"`
	ProviderID    string   `json:"provider_id,omitempty"`
}

// adminRoles grant administrative access anywhere in the ecosystem.
var adminRoles = []string{"super-admin", "makerspace-admin", "admin"}

// ExtractUserInfo normalizes the identity claims into a UserInfo record.
func ExtractUserInfo(claims *Claims) UserInfo {
	roles := claims.RealmAccess.Roles
	if roles == nil {
		roles = []string{}
	}
	groups := claims.Groups
	if groups == nil {
		groups = []string{}
	}
	return UserInfo{
		ID:            claims.Subject,
		KeycloakID:    claims.Subject,
		Email:         claims.Email,
		Username:      claims.PreferredUsername,
		FirstName:     claims.GivenName,
		LastName:      claims.FamilyName,
		Roles:         roles,
		Groups:        groups,
		EmailVerified: claims.EmailVerified,
		MakerspaceID:  claims.MakerspaceID,
		ProviderID:    claims.ProviderID,
	}
}

// HasRole reports whether the token carries the given realm role.
func HasRole(claims *Claims, role string) bool {
	for _, r := range claims.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the token carries any of the given realm roles.
func HasAnyRole(claims *Claims, roles []string) bool {
	for _, role := range roles {
		if HasRole(claims, role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the token carries an administrative role.
func IsAdmin(claims *Claims) bool {
	return HasAnyRole(claims, adminRoles)
}
