// Package rbac decides what an AuthContext may do with approvals, chains and
// templates. Decisions come from a casbin enforcer.
package rbac

import (
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	dom "github.com/cuihairu/countersign/internal/ports"
)

// RoleAdmin is the reference role allowed to decide and dispatch.
const RoleAdmin = "admin"

// Objects and actions used in policies.
const (
	ObjApprovals = "approvals"
	ObjChains    = "chains"
	ObjTemplates = "templates"

	ActRead      = "read"
	ActReadAny   = "read_any"
	ActDecide    = "decide"
	ActDecideAny = "decide_any"
	ActDispatch  = "dispatch"
	ActManage    = "manage"
	ActManageAny = "manage_any"
)

// AuthContext identifies the caller.
type AuthContext struct {
	UserID      string
	Role        string
	WorkspaceID string
}

func (ac AuthContext) subject() string { return "role:" + ac.Role }

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || r.sub == p.sub) && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// DefaultPolicy is the reference policy: admins do everything, everyone
// else reads their own approvals and decides chain steps matching their role.
var DefaultPolicy = [][]string{
	{"role:" + RoleAdmin, "*", "*"},
	{"role:operator", ObjApprovals, ActRead},
	{"role:operator", ObjChains, ActRead},
	{"role:reviewer", ObjApprovals, ActRead},
	{"role:reviewer", ObjChains, ActRead},
	{"role:reviewer", ObjChains, ActDecide},
	{"role:owner", ObjTemplates, ActManage},
	{"role:owner", ObjChains, ActDecide},
	{"role:owner", ObjApprovals, ActRead},
}

// Authorizer wraps a casbin enforcer.
type Authorizer struct {
	enforcer *casbin.Enforcer
	log      *slog.Logger
}

// New builds an Authorizer. An empty policyPath loads DefaultPolicy; otherwise
// policies are read from a casbin CSV file.
func New(policyPath string, log *slog.Logger) (*Authorizer, error) {
	if log == nil {
		log = slog.Default()
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	var e *casbin.Enforcer
	if policyPath != "" {
		e, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		e, err = casbin.NewEnforcer(m)
		if err == nil {
			_, err = e.AddPolicies(DefaultPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	log.Debug("rbac loaded", "policy", policyPath, "rules", len(mustPolicy(e)))
	return &Authorizer{enforcer: e, log: log}, nil
}

func mustPolicy(e *casbin.Enforcer) [][]string {
	p, _ := e.GetPolicy()
	return p
}

// Can reports whether ac may perform act on obj.
func (a *Authorizer) Can(ac AuthContext, obj, act string) bool {
	if ac.Role == "" {
		return false
	}
	ok, err := a.enforcer.Enforce(ac.subject(), obj, act)
	if err != nil {
		a.log.Error("rbac enforce", "role", ac.Role, "obj", obj, "act", act, "error", err)
		return false
	}
	return ok
}

func (a *Authorizer) CanDecide(ac AuthContext) bool   { return a.Can(ac, ObjApprovals, ActDecide) }
func (a *Authorizer) CanDispatch(ac AuthContext) bool { return a.Can(ac, ObjApprovals, ActDispatch) }

// CanRead allows any-record readers, and owners reading their own records.
func (a *Authorizer) CanRead(ac AuthContext, ap *dom.Approval) bool {
	if ap == nil {
		return false
	}
	if a.Can(ac, ObjApprovals, ActReadAny) {
		return true
	}
	return ap.OperatorID == ac.UserID && a.Can(ac, ObjApprovals, ActRead)
}

// CanDecideStep requires the caller's role to be the step's required role,
// unless the caller may decide any step.
func (a *Authorizer) CanDecideStep(ac AuthContext, st *dom.ChainStep) bool {
	if st == nil {
		return false
	}
	if a.Can(ac, ObjChains, ActDecideAny) {
		return true
	}
	return st.RequiredRole == ac.Role && a.Can(ac, ObjChains, ActDecide)
}

// CanManageTemplates allows managing templates of the caller's own workspace,
// or of any workspace with manage_any.
func (a *Authorizer) CanManageTemplates(ac AuthContext, workspaceID string) bool {
	if a.Can(ac, ObjTemplates, ActManageAny) {
		return true
	}
	return workspaceID != "" && workspaceID == ac.WorkspaceID && a.Can(ac, ObjTemplates, ActManage)
}

// Require turns a denied check into dom.ErrForbidden.
func Require(allowed bool, ac AuthContext, what string) error {
	if allowed {
		return nil
	}
	return fmt.Errorf("%s by %s (role %q): %w", what, ac.UserID, ac.Role, dom.ErrForbidden)
}
