package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrNoPrincipal = errors.New("no principal in context")
)

// Principal is the identity a query executes as.
type Principal struct {
	User  string
	Roles []string
}

// HasAnyRole reports whether p holds one of roles. An empty list allows
// everyone.
func (p Principal) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		for _, have := range p.Roles {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal returns a context acting as p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal ctx acts as.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Directory maps user names to roles. Safe for concurrent use; Replace swaps
// the whole table on config reload.
type Directory struct {
	mu    sync.RWMutex
	users map[string][]string
}

func NewDirectory(users map[string][]string) *Directory {
	d := &Directory{}
	d.Replace(users)
	return d
}

func (d *Directory) Replace(users map[string][]string) {
	m := make(map[string][]string, len(users))
	for name, roles := range users {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		rs := append([]string(nil), roles...)
		sort.Strings(rs)
		m[name] = rs
	}
	d.mu.Lock()
	d.users = m
	d.mu.Unlock()
}

// Lookup returns the principal for user.
func (d *Directory) Lookup(user string) (Principal, error) {
	d.mu.RLock()
	roles, ok := d.users[strings.TrimSpace(user)]
	d.mu.RUnlock()
	if !ok {
		return Principal{}, fmt.Errorf("%q: %w", user, ErrUnknownUser)
	}
	return Principal{User: strings.TrimSpace(user), Roles: append([]string(nil), roles...)}, nil
}

// Impersonate derives a context acting as owner. The parent context is left
// untouched, so nothing has to be restored afterwards.
func (d *Directory) Impersonate(ctx context.Context, owner string) (context.Context, error) {
	p, err := d.Lookup(owner)
	if err != nil {
		return nil, err
	}
	return WithPrincipal(ctx, p), nil
}
