package rbac

// Permission names required by the management surface, one per operation.
// The middle segment is a literal "*": route gates demand workspace-wide
// capability, while per-resource scoping stays in verification queries.
const (
	PermCreateKey = "api.*.create_key"
	PermReadKey   = "api.*.read_key"
	PermUpdateKey = "api.*.update_key"
	PermDeleteKey = "api.*.delete_key"

	PermCreatePermission = "rbac.*.create_permission"
	PermReadPermission   = "rbac.*.read_permission"
	PermDeletePermission = "rbac.*.delete_permission"

	PermCreateRole = "rbac.*.create_role"
	PermReadRole   = "rbac.*.read_role"
	PermUpdateRole = "rbac.*.update_role"
	PermDeleteRole = "rbac.*.delete_role"

	PermCreateNamespace = "ratelimit.*.create_namespace"
	PermReadNamespace   = "ratelimit.*.read_namespace"
	PermDeleteNamespace = "ratelimit.*.delete_namespace"

	PermCreateOverride = "ratelimit.*.create_override"
	PermReadOverride   = "ratelimit.*.read_override"
	PermUpdateOverride = "ratelimit.*.update_override"
	PermDeleteOverride = "ratelimit.*.delete_override"

	PermLimit = "ratelimit.*.limit"
)

// BootstrapGrants returns the granted names attached to a freshly minted
// root key. The trailing wildcards cover every management permission above;
// operators can mint narrower keys once the workspace is set up.
func BootstrapGrants() []string {
	return []string{"api.*", "rbac.*", "ratelimit.*"}
}
