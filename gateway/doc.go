// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 gateway 定义消息网关契约及其实现。

  - Gateway: Send 发送消息并返回网关消息 ID, SendReaction 发送表情。
  - HTTPClient: JSON/HTTP 客户端, 超时映射为 UPSTREAM_TIMEOUT, 429 与 5xx
    映射为可重试的 UPSTREAM_ERROR, 其余 4xx 不重试。
  - RateLimited: 基于 golang.org/x/time/rate 的出站限速。
  - Instrumented: 记录调用次数与耗时。
  - LogGateway: 只记录日志, 用于本地开发。

网关调用不在核心状态机内部重试, 由调用方 (dispatch、reactions) 按退避策略重试。
*/
package gateway
