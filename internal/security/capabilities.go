package security

import "github.com/jkaninda/datagate/internal/domain"

// CapabilitySet is the resolved permission record for a role.
// It is a plain value: recomputed per request, never cached or mutated.
type CapabilitySet struct {
	CanViewAllEntities     bool      `json:"can_view_all_entities"`
	CanViewAllPrincipals   bool      `json:"can_view_all_principals"`
	CanCreateEntities      bool      `json:"can_create_entities"`
	CanManagePrincipals    bool      `json:"can_manage_principals"`
	CanViewAnalytics       bool      `json:"can_view_analytics"`
	CanExecuteDataRequests bool      `json:"can_execute_data_requests"`
	DataScope              DataScope `json:"data_scope"`
}

// LeastPrivilege is the capability set for any role without an explicit entry.
// It cannot execute data requests at all.
func LeastPrivilege() CapabilitySet {
	return CapabilitySet{DataScope: ScopePublic}
}

// Resolve maps a role to its capability set. Unknown roles fall back to
// LeastPrivilege, never to a more permissive set.
func Resolve(role domain.Role) CapabilitySet {
	switch role {
	case domain.RoleAdmin:
		return CapabilitySet{
			CanViewAllEntities:     true,
			CanViewAllPrincipals:   true,
			CanCreateEntities:      true,
			CanManagePrincipals:    true,
			CanViewAnalytics:       true,
			CanExecuteDataRequests: true,
			DataScope:              ScopeGlobal,
		}
	case domain.RoleOrganizer:
		return CapabilitySet{
			CanCreateEntities:      true,
			CanViewAnalytics:       true,
			CanExecuteDataRequests: true,
			DataScope:              ScopeOwned,
		}
	case domain.RoleParticipant:
		return CapabilitySet{
			CanExecuteDataRequests: true,
			DataScope:              ScopePublic,
		}
	default:
		return LeastPrivilege()
	}
}
