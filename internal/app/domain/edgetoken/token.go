// Package edgetoken defines the SDK token model the edge proxies.
package edgetoken

import (
	"fmt"
	"strings"
	"time"
)

// TokenType distinguishes which API surface a token grants access to.
type TokenType string

const (
	TypeClient   TokenType = "client"
	TypeFrontend TokenType = "frontend"
	TypeAdmin    TokenType = "admin"
)

// ValidationStatus tracks the upstream validation state of a token. Invalid
// is final; a Validated record changes only when the upstream revokes the
// token, which turns it Invalid.
type ValidationStatus string

const (
	StatusUnknown   ValidationStatus = "unknown"
	StatusValidated ValidationStatus = "validated"
	StatusInvalid   ValidationStatus = "invalid"
)

// WildcardProject matches every project in an environment.
const WildcardProject = "*"

// EdgeToken is the edge's record of an SDK credential. Tokens with the same
// Token string are considered equal.
type EdgeToken struct {
	Token       string           `json:"token"`
	Environment string           `json:"environment,omitempty"`
	Projects    []string         `json:"projects"`
	Type        TokenType        `json:"type,omitempty"`
	Status      ValidationStatus `json:"status"`
	ValidatedAt *time.Time       `json:"validated_at,omitempty"`
}

// Parse derives environment and project scope from a token of the form
// "project:environment.secret". Tokens that do not match the shape are still
// accepted; upstream validation resolves their scope.
func Parse(token string) (EdgeToken, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return EdgeToken{}, fmt.Errorf("token must not be empty")
	}

	parsed := EdgeToken{
		Token:    trimmed,
		Projects: []string{},
		Status:   StatusUnknown,
	}

	colon := strings.Index(trimmed, ":")
	dot := strings.Index(trimmed, ".")
	if colon < 0 || dot < colon {
		return parsed, nil
	}

	project := trimmed[:colon]
	environment := trimmed[colon+1 : dot]
	if project == "" || environment == "" {
		return parsed, nil
	}

	parsed.Environment = environment
	if project == "[]" {
		parsed.Projects = []string{}
	} else {
		parsed.Projects = []string{project}
	}
	return parsed, nil
}

// HasWildcard reports whether the token's project scope covers every project.
func (t EdgeToken) HasWildcard() bool {
	for _, p := range t.Projects {
		if p == WildcardProject {
			return true
		}
	}
	return false
}

// CoversProject reports whether the token may read features of project.
func (t EdgeToken) CoversProject(project string) bool {
	if t.HasWildcard() {
		return true
	}
	for _, p := range t.Projects {
		if p == project {
			return true
		}
	}
	return false
}

// Subsumes reports whether this token's fetch key covers other's: same
// environment and a project scope that includes every project other names.
// A wildcard scope subsumes any specific project set in the environment.
func (t EdgeToken) Subsumes(other EdgeToken) bool {
	if t.Environment != other.Environment {
		return false
	}
	if t.HasWildcard() {
		return true
	}
	if other.HasWildcard() {
		return false
	}
	for _, p := range other.Projects {
		if !t.CoversProject(p) {
			return false
		}
	}
	return true
}

// SameFetchKey reports whether two tokens would request the identical
// upstream resource.
func (t EdgeToken) SameFetchKey(other EdgeToken) bool {
	return t.Subsumes(other) && other.Subsumes(t)
}
