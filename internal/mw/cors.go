package mw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, " + HeaderRequestID
	corsExpose  = HeaderRequestID + ", X-Total-Count"
)

// originPolicy 决定某个 Origin 能否跨域访问。
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(env string, origins []string) originPolicy {
	p := originPolicy{any: env == "dev", allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o == "*" {
			p.any = true
			continue
		}
		p.allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return p
}

// allow 依次检查：dev 或通配、显式白名单、与请求同 host。
func (p originPolicy) allow(origin, host string) bool {
	if p.any || p.allowed[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, host)
}

// CORS 返回跨域中间件。dev 环境允许所有来源，其他环境只允许同源与 origins 中列出的来源。
func CORS(env string, origins []string) gin.HandlerFunc {
	policy := newOriginPolicy(env, origins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		c.Header("Vary", "Origin")
		if !policy.allow(origin, c.Request.Host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", corsExpose)
		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
