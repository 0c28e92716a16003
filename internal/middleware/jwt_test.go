package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "exam-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func jwtApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/", func(c *fiber.Ctx) error {
		id, _ := c.Locals("user_id").(uint)
		role, _ := c.Locals("user_role").(string)
		return c.JSON(fiber.Map{"id": id, "role": role})
	})
	return app
}

func callWithAuth(t *testing.T, app *fiber.App, header string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestJWTProtectedAcceptsValidToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "17", "role": "Teacher", "exp": time.Now().Add(time.Hour).Unix()})
	resp := callWithAuth(t, jwtApp(), "bearer "+token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := jwtApp()

	require.Equal(t, fiber.StatusUnauthorized, callWithAuth(t, app, "").StatusCode)
	require.Equal(t, fiber.StatusUnauthorized, callWithAuth(t, app, "Token abc").StatusCode)

	expired := signToken(t, jwt.MapClaims{"sub": "17", "exp": time.Now().Add(-time.Hour).Unix()})
	require.Equal(t, fiber.StatusUnauthorized, callWithAuth(t, app, "Bearer "+expired).StatusCode)

	noExpiry := signToken(t, jwt.MapClaims{"sub": "17"})
	require.Equal(t, fiber.StatusUnauthorized, callWithAuth(t, app, "Bearer "+noExpiry).StatusCode)

	noSubject := signToken(t, jwt.MapClaims{"role": "teacher", "exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, fiber.StatusUnauthorized, callWithAuth(t, app, "Bearer "+noSubject).StatusCode)
}
