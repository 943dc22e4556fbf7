package middlewares

import (
	"strings"

	t_token "marketplace_chat_service/pkg/token"

	"github.com/gofiber/fiber/v2"
)

const (
	//QueryToken token in query name (websocket handshake 用 query 帶 token)
	QueryToken = "auth"

	//CookieToken token in cookie name
	CookieToken = "auth_token"

	//TokenUserID get user form token, set c.locals name
	TokenUserID = "UserID"
)

// JWTMiddleware validates JWT from header, query or cookie
func JWTMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := c.Get(fiber.HeaderAuthorization)
		tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")

		// header 沒有就嘗試 query（websocket 升級請求帶不了 header）
		if tokenStr == "" {
			tokenStr = c.Query(QueryToken)
		}

		if tokenStr == "" {
			tokenStr = c.Cookies(CookieToken)
		}

		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "UNAUTHENTICATED",
			})
		}

		userID, err := t_token.Verify(tokenStr)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":  "UNAUTHENTICATED",
				"reason": err.Error(),
			})
		}

		c.Locals(TokenUserID, userID)
		return c.Next()
	}
}
