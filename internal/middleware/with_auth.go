package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// AuthRoleAny admits every authenticated caller.
const AuthRoleAny = "any"

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a single handler with an authentication and role guard. Reviewer
// roles (teacher, admin) satisfy each other.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}

	requireUser := opts.RequireUser || role != AuthRoleAny

	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(uint)
		if requireUser && userID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		if role == AuthRoleAny {
			return handler(c)
		}

		current := normalizeRoleValue(c.Locals("user_role"))
		switch role {
		case RoleTeacher, RoleAdmin:
			if current != RoleTeacher && current != RoleAdmin {
				return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
			}
		default:
			if current != role {
				return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
			}
		}

		return handler(c)
	}
}
