// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 pacing 计算自动回复的发送延迟并管理全局延迟策略。

Compute 是纯函数: 启用时返回 clamp(min + perQueued × queueDepth, min, max),
禁用时返回 0, 不含任何随机成分。Validate 在写入时拒绝 min > max 或负值,
错误码为 INVALID_CONFIG。

Manager 在首次使用时从存储加载策略, 若不存在则把默认值写回存储;
Update 先持久化再替换内存副本, 运行期修改无需重启。
*/
package pacing
