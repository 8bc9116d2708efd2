// Package identity resolves the operator behind a request and decides
// what that operator may do. Role checks are evaluated fresh on every
// privileged call, so a mid-session role downgrade takes effect
// immediately.
package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platformops/admin-coordinator/internal/docstore"
)

// Role is an operator's platform role.
type Role string

// Platform roles. Only platform-level admin and system-admin operators
// may impersonate tenants; support and tenant-scoped roles may not.
const (
	RoleAdmin       Role = "admin"
	RoleSystemAdmin Role = "system-admin"
	RoleSupport     Role = "support"
	RoleTenantAdmin Role = "tenant-admin"
)

// Operator is a member of the platform staff (or a tenant employee with
// elevated rights) acting against the administrative surface.
type Operator struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Role  Role   `json:"role"`

	// TenantID is set when the operator is scoped to a single tenant.
	// Tenant-scoped operators are never platform-level.
	TenantID string `json:"tenantId,omitempty"`
}

// CanImpersonate reports whether the operator may start an impersonation
// session: a platform-level admin or system-admin only.
func (o *Operator) CanImpersonate() bool {
	if o.TenantID != "" {
		return false
	}
	return o.Role == RoleAdmin || o.Role == RoleSystemAdmin
}

// Claims is the JWT payload carried on bearer tokens. Subject holds the
// operator uid; the operator's role is never trusted from the token and
// is always resolved through a Provider.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Provider resolves operators by uid. Implementations must not cache
// role data across calls.
type Provider interface {
	Lookup(ctx context.Context, uid string) (*Operator, error)
}

// Collection is the document collection holding operator records.
const Collection = "operators"

// StoreProvider resolves operators from the document store.
type StoreProvider struct {
	store docstore.Store
}

// NewStoreProvider creates a document-store-backed operator provider.
func NewStoreProvider(store docstore.Store) *StoreProvider {
	return &StoreProvider{store: store}
}

// Lookup fetches the operator record. Returns docstore.ErrNotFound for
// unknown uids.
func (p *StoreProvider) Lookup(ctx context.Context, uid string) (*Operator, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: operator uid cannot be empty", docstore.ErrInvalidArgument)
	}
	doc, err := p.store.Get(ctx, Collection, uid)
	if err != nil {
		return nil, err
	}
	var op Operator
	if err := docstore.Unmarshal(doc, &op); err != nil {
		return nil, err
	}
	op.UID = uid
	return &op, nil
}

// StaticProvider resolves operators from a fixed map; used by tests.
type StaticProvider struct {
	operators map[string]Operator
}

// NewStaticProvider creates a provider over a fixed operator set.
func NewStaticProvider(operators map[string]Operator) *StaticProvider {
	return &StaticProvider{operators: operators}
}

// Lookup returns the operator or docstore.ErrNotFound.
func (p *StaticProvider) Lookup(ctx context.Context, uid string) (*Operator, error) {
	op, ok := p.operators[uid]
	if !ok {
		return nil, fmt.Errorf("operator %s: %w", uid, docstore.ErrNotFound)
	}
	op.UID = uid
	return &op, nil
}

type contextKey struct{}

// WithOperator attaches the resolved operator to the context.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// FromContext returns the operator attached by the identity middleware.
func FromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(contextKey{}).(*Operator)
	return op, ok && op != nil
}
