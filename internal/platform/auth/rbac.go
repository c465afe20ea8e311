package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleCA      = "ca"
	RoleMRStaff = "mr_staff"
	RoleAdmin   = "admin"
)

// Capability is a single action the workflow asks permission for.
type Capability string

const (
	CapRequest         Capability = "casenote.request"
	CapHold            Capability = "casenote.hold"
	CapApprove         Capability = "casenote.approve"
	CapVerifyReturn    Capability = "casenote.verify_return"
	CapProcessBatch    Capability = "batch.process"
	CapCorrectTimeline Capability = "timeline.correct"
)

var roleCapabilities = map[string][]Capability{
	RoleCA:      {CapRequest, CapHold},
	RoleMRStaff: {CapApprove, CapVerifyReturn, CapProcessBatch},
}

// RolesGrant reports whether any of roles carries c. Admin carries every
// capability.
func RolesGrant(roles []string, c Capability) bool {
	for _, r := range roles {
		if r == RoleAdmin {
			return true
		}
		for _, granted := range roleCapabilities[r] {
			if granted == c {
				return true
			}
		}
	}
	return false
}

// RequireRole gates a route group on the token roles. Finer checks happen
// in the services through an Authorizer.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, has := range RolesFromContext(c.Request().Context()) {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
