// Package tlsutil 提供出站连接的 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 供消息网关 HTTP 客户端与启用 TLS 的 Redis 连接共用。
package tlsutil
