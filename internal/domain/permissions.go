package domain

import "github.com/ethereum/go-ethereum/common"

// Permission is one enumerated administrative capability. Gated operations
// name the permission they require; there is no implicit role registry.
type Permission string

const (
	PermPause         Permission = "pause"
	PermSetLimits     Permission = "set_limits"
	PermSetBreaker    Permission = "set_breaker"
	PermEmergency     Permission = "emergency_withdraw"
	PermWithdrawFees  Permission = "withdraw_fees"
	PermSetRateLimits Permission = "set_rate_limits"
)

// PermissionSet is the set of capabilities granted to one identity.
type PermissionSet map[Permission]bool

// Has reports whether the set grants p.
func (ps PermissionSet) Has(p Permission) bool {
	return ps[p]
}

// ACL maps identities to their permission sets.
type ACL map[common.Address]PermissionSet

// Allows reports whether actor holds permission p.
func (a ACL) Allows(actor common.Address, p Permission) bool {
	return a[actor].Has(p)
}

// Grant adds p to actor's permission set, allocating it if needed.
func (a ACL) Grant(actor common.Address, perms ...Permission) {
	set := a[actor]
	if set == nil {
		set = make(PermissionSet, len(perms))
		a[actor] = set
	}
	for _, p := range perms {
		set[p] = true
	}
}
