// Package auth carries the operator principal that every privileged
// inventory and fulfillment operation requires.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"dropshop/internal/models"
)

// Role of an operator
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
	roleSystem Role = "system"
)

// Operator is the principal on whose behalf a privileged operation runs
type Operator struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System returns the principal used by background workers
func System(name string) Operator {
	return Operator{ID: "system:" + name, Role: roleSystem}
}

// CanMutate reports whether the operator may change inventory or orders
func (o Operator) CanMutate() bool {
	return o.ID != "" && (o.Role == RoleAdmin || o.Role == roleSystem)
}

// CanRead reports whether the operator may see admin views
func (o Operator) CanRead() bool {
	return o.ID != "" && (o.Role == RoleViewer || o.CanMutate())
}

// Authorize fails with ErrUnauthorized unless the operator may mutate state
func (o Operator) Authorize() error {
	if !o.CanMutate() {
		return fmt.Errorf("%w: %q (%s)", models.ErrUnauthorized, o.ID, o.Role)
	}
	return nil
}

// AuthorizeRead fails with ErrUnauthorized unless the operator may read admin views
func (o Operator) AuthorizeRead() error {
	if !o.CanRead() {
		return fmt.Errorf("%w: %q (%s)", models.ErrUnauthorized, o.ID, o.Role)
	}
	return nil
}

type ctxKey struct{}

// WithOperator stores the operator in ctx
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, ctxKey{}, op)
}

// FromContext returns the operator stored by WithOperator
func FromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(ctxKey{}).(Operator)
	return op, ok
}

type tokenEntry struct {
	token []byte
	op    Operator
}

// TokenSet maps bearer tokens to operators
type TokenSet struct {
	entries []tokenEntry
}

// ParseTokens reads "token=id:role,token2=id2:role2". The role defaults to admin.
func ParseTokens(spec string) (*TokenSet, error) {
	set := &TokenSet{}
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		token, who, ok := strings.Cut(item, "=")
		if !ok || token == "" || who == "" {
			return nil, fmt.Errorf("invalid operator token entry %q", item)
		}

		id, role, _ := strings.Cut(who, ":")
		op := Operator{ID: id, Role: Role(role)}
		if op.Role == "" {
			op.Role = RoleAdmin
		}
		if op.Role != RoleAdmin && op.Role != RoleViewer {
			return nil, fmt.Errorf("invalid role %q for operator %q", role, id)
		}

		set.entries = append(set.entries, tokenEntry{token: []byte(token), op: op})
	}
	return set, nil
}

// Lookup resolves a bearer token
func (s *TokenSet) Lookup(token string) (Operator, bool) {
	if s == nil || token == "" {
		return Operator{}, false
	}
	candidate := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(e.token, candidate) == 1 {
			return e.op, true
		}
	}
	return Operator{}, false
}

// Len returns the number of configured tokens
func (s *TokenSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}
