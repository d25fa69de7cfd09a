// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、会话状态机、
自动回复调度、消息网关、已读回执与表情、数据库六个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 会话指标：按 action/from/to 统计状态迁移，按 from/to 统计移交事件。
  - 调度指标：sent/suppressed/failed/cancelled 等结果计数、延迟分布、
    待触发定时器数量、邮箱拒绝次数。
  - 网关指标：按 operation/status 统计调用次数与耗时。
  - 已读与表情：已读消息数、表情结果、部分失败与待修复队列深度。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
