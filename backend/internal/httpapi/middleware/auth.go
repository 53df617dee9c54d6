package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CredentialKey gin.Context 里存放原始凭证的 key
const CredentialKey = "credential"

// Credential 从 Authorization 或 ?token= 中取出凭证放进上下文。
// 这里不校验凭证，握手时由权限来源校验。required 为 true 时缺少凭证直接 401。
func Credential(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c.Request)
		if token == "" && required {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}
		c.Set(CredentialKey, token)
		c.Next()
	}
}

// CredentialOf 优先取中间件放进去的值，没有挂中间件时直接从请求里取
func CredentialOf(c *gin.Context) string {
	if v, ok := c.Get(CredentialKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ExtractToken(c.Request)
}

// ExtractToken Authorization: Bearer 优先；浏览器里的 WebSocket 不能自定义 Header，允许 ?token=
func ExtractToken(r *http.Request) string {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
