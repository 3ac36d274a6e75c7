package domain

// Role names an authorization level checked at the workflow gates. The HTTP
// layer puts roles from verified JWT claims into the request context; services
// re-check them through the identity port so authorization stays a testable
// precondition rather than a UI conditional.
type Role string

const (
	RoleDonor  Role = "donor"
	RoleAgent  Role = "monitoring_agent"
	RoleNGO    Role = "ngo"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// RecipientType distinguishes the two kinds of beneficiaries.
type RecipientType string

const (
	RecipientStudent RecipientType = "student"
	RecipientProject RecipientType = "project"
)

func (t RecipientType) Valid() bool {
	return t == RecipientStudent || t == RecipientProject
}
