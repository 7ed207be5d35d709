package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// Role distinguishes the two participants. The creator is PartnerA.
type Role int

const (
	PartnerA Role = iota
	PartnerB
)

const (
	roleNamePartnerA = "partner_a"
	roleNamePartnerB = "partner_b"
)

// ErrInvalidRole indicates a role tag other than partner_a or partner_b.
var ErrInvalidRole = errors.New("sessions: invalid role")

// ParseRole decodes the wire form of a role.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case roleNamePartnerA:
		return PartnerA, nil
	case roleNamePartnerB:
		return PartnerB, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func (r Role) String() string {
	if r == PartnerB {
		return roleNamePartnerB
	}
	return roleNamePartnerA
}

// Other returns the partner's role.
func (r Role) Other() Role {
	if r == PartnerB {
		return PartnerA
	}
	return PartnerB
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Pair holds one value per role.
type Pair[T any] [2]T

// PairOf builds a pair from the partner_a and partner_b values.
func PairOf[T any](a, b T) Pair[T] {
	return Pair[T]{a, b}
}

func (p Pair[T]) Get(role Role) T {
	return p[role.index()]
}

func (p *Pair[T]) Set(role Role, value T) {
	p[role.index()] = value
}

// Mine is the value owned by self.
func (p Pair[T]) Mine(self Role) T {
	return p.Get(self)
}

// Theirs is the value owned by self's partner.
func (p Pair[T]) Theirs(self Role) T {
	return p.Get(self.Other())
}

// Both reports whether predicate holds for both roles.
func (p Pair[T]) Both(predicate func(T) bool) bool {
	return predicate(p[0]) && predicate(p[1])
}

func (r Role) index() int {
	if r == PartnerB {
		return 1
	}
	return 0
}
