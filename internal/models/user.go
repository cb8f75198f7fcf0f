package models

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin    UserRole = "SUPERADMIN"
	RoleAdmin         UserRole = "ADMIN"
	RoleBranchManager UserRole = "BRANCH_MANAGER"
	RoleStudent       UserRole = "STUDENT"
	// RoleSystem identifies automated callers such as the payment coordinator and sweeps.
	RoleSystem UserRole = "SYSTEM"
)

// StaffRoles lists roles allowed to perform administrative transitions.
var StaffRoles = []UserRole{RoleSuperAdmin, RoleAdmin, RoleBranchManager}

// Actor is the authenticated caller of a core operation. It is passed explicitly to every
// service method instead of being read from request-global state.
type Actor struct {
	ID        string   `json:"id"`
	Role      UserRole `json:"role"`
	StudentID string   `json:"student_id,omitempty"`
}

// SystemActor is used by the coordinator and scheduled sweeps.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// IsStaff reports whether the actor holds an administrative role.
func (a Actor) IsStaff() bool {
	for _, role := range StaffRoles {
		if a.Role == role {
			return true
		}
	}
	return false
}

// IsSystem reports whether the actor is an automated process.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// IsPrivileged reports whether the actor is staff or system.
func (a Actor) IsPrivileged() bool {
	return a.IsStaff() || a.IsSystem()
}

// CanActFor reports whether the actor may operate on records owned by studentID.
func (a Actor) CanActFor(studentID string) bool {
	if a.IsPrivileged() {
		return true
	}
	return a.Role == RoleStudent && a.StudentID != "" && a.StudentID == studentID
}

// ActorRef returns a pointer to the actor ID for audit columns.
func (a Actor) ActorRef() *string {
	if a.ID == "" {
		return nil
	}
	id := a.ID
	return &id
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// NormalizePage clamps page and size to sane defaults.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
