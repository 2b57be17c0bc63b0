// Package workspace implements the kernel's workspace/membership access
// layer (spec §3, §4.J "workspace access"): tenant-like containers with
// role-based membership and email invites, on top of which product-specific
// routes are mounted.
package workspace

import "github.com/wisbric/kernel/pkg/entity"

// Role is a member's privilege level within one workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// roleRank orders roles so "at least X" checks are a simple comparison.
var roleRank = map[Role]int{RoleMember: 0, RoleAdmin: 1, RoleOwner: 2}

// AtLeast reports whether r meets or exceeds min's privilege level.
func (r Role) AtLeast(min Role) bool { return roleRank[r] >= roleRank[min] }

// InviteStatus tracks an invite token through its lifecycle.
type InviteStatus string

const (
	InviteStatusPending   InviteStatus = "pending"
	InviteStatusAccepted  InviteStatus = "accepted"
	InviteStatusExpired   InviteStatus = "expired"
	InviteStatusCancelled InviteStatus = "cancelled"
)

const (
	TableWorkspaces = "workspaces"
	TableMembers    = "workspace_members"
	TableInvites    = "workspace_invites"
)

// RegisterEntities declares the three workspace tables to reg. Ownership
// per spec §3: Workspace owns Members and Invites (cascade on delete);
// none of the three keep history — membership churn is not audit-tracked,
// only the workspace record itself would be if the caller opts in.
func RegisterEntities(reg *entity.Registry) {
	reg.Register(entity.Descriptor{
		TableName: TableWorkspaces,
		Fields: []entity.Field{
			{Name: "name", DeclaredType: "text"},
			{Name: "slug", DeclaredType: "text", Unique: true, Indexed: true},
			{Name: "owner_id", DeclaredType: "text", Indexed: true},
			{Name: "is_personal", DeclaredType: "boolean", Default: false},
			{Name: "settings", DeclaredType: "json", Nullable: true},
		},
		KeepHistory: true,
	})

	reg.Register(entity.Descriptor{
		TableName: TableMembers,
		Fields: []entity.Field{
			{Name: "workspace_id", DeclaredType: "text", Indexed: true},
			{Name: "user_id", DeclaredType: "text", Indexed: true},
			{Name: "role", DeclaredType: "text"},
			{Name: "invited_by", DeclaredType: "text", Nullable: true},
		},
	})

	reg.Register(entity.Descriptor{
		TableName: TableInvites,
		Fields: []entity.Field{
			{Name: "token", DeclaredType: "text", Unique: true, Indexed: true},
			{Name: "workspace_id", DeclaredType: "text", Indexed: true},
			{Name: "email", DeclaredType: "text", Indexed: true},
			{Name: "role", DeclaredType: "text"},
			{Name: "status", DeclaredType: "text", Default: string(InviteStatusPending)},
			{Name: "expires_at", DeclaredType: "timestamp"},
		},
	})
}
