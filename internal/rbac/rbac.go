// Package rbac maps credit-desk roles to the actions they may take on an
// authorization request.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RolePromoter  Role = "promoter"
	RoleAdvisor   Role = "advisor"
	RoleCommittee Role = "committee"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionReview Action = "review"
	ActionAssign Action = "assign"
	ActionDecide Action = "decide"
)

// Promoters file requests, advisors work them and only the committee decides.
// Admin is handled separately and may do everything.
var grants = map[Role][]Action{
	RoleViewer:    {ActionRead},
	RolePromoter:  {ActionRead, ActionCreate},
	RoleAdvisor:   {ActionRead, ActionCreate, ActionReview, ActionAssign},
	RoleCommittee: {ActionRead, ActionReview, ActionAssign, ActionDecide},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps unknown or empty roles to viewer.
func Normalize(role string) Role {
	r := Role(role)
	if _, ok := grants[r]; ok || r == RoleAdmin {
		return r
	}
	return RoleViewer
}
