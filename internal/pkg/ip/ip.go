// Package ip 提供客户端 IP 地址提取工具。
package ip

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetClientIP 从 Gin Context 中提取客户端 IP 地址。
// 按以下优先级检查：
// 1. X-Forwarded-For（取第一个条目，信任边缘代理补全的链路）
// 2. X-Real-IP (Nginx)
// 3. RemoteAddr / c.ClientIP()
func GetClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
	}

	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return normalizeIP(ip)
	}

	return normalizeIP(c.ClientIP())
}

// normalizeIP 规范化 IP 地址，去除端口号和空格。
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	// "192.168.1.1:8080" -> "192.168.1.1"
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
