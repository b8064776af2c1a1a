package pubsub

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// orgIDPrefix is the fixed key prefix of the organization ids embedded in
// session tokens.
const orgIDPrefix = "00D"

// DeriveTenantID resolves the tenant id to attach to platform calls. The
// first source that yields a value wins:
//
//  1. the explicit id, when non-empty
//  2. a session-style token "<orgId>!<rest>" whose org id has the standard
//     prefix and a 15 or 18 character length
//  3. a three-part signed token whose payload segment carries an
//     organization_id claim
//
// When no source yields a value the result is empty and the platform is left
// to infer the tenant itself.
func DeriveTenantID(explicit, token string) string {
	if explicit != "" {
		return explicit
	}
	if org, ok := sessionTokenOrgID(token); ok {
		return org
	}
	if org, ok := tokenClaimOrgID(token); ok {
		return org
	}
	return ""
}

func sessionTokenOrgID(token string) (string, bool) {
	bang := strings.IndexByte(token, '!')
	if bang < 0 {
		return "", false
	}
	org := token[:bang]
	if !strings.HasPrefix(org, orgIDPrefix) {
		return "", false
	}
	if len(org) != 15 && len(org) != 18 {
		return "", false
	}
	return org, true
}

// tokenClaimOrgID treats the token as a three-part signed token and pulls the
// organization_id claim out of the base64url payload segment. Any parse
// failure just means the token is not of that shape.
func tokenClaimOrgID(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", false
	}
	var claims struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	if claims.OrganizationID == "" {
		return "", false
	}
	return claims.OrganizationID, true
}
