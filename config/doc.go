// Package config 提供 chatrelay 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → CHATRELAY_ 前缀环境变量 的顺序加载,
// Reloader 轮询配置文件并将可热更新的字段 (如日志级别) 应用到运行中的进程。
package config
