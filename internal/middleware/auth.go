// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"adsinsight-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// 上下文中的键
const (
	ContextClaims = "claims"
	ContextUserID = "userID"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 验证通过后把 claims 与用户 ID 存入上下文；用户资料由外部认证系统管理，这里不再查库。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set(ContextClaims, claims)
		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// UserID 返回 AuthMiddleware 写入的用户 ID。
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
