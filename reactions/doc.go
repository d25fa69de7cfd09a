// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 reactions 把表情回应附加到会话中的某条历史消息上。

流程固定为先发送、后记录:

 1. 表情不在允许集合内时直接返回 UNSUPPORTED_EMOJI, 不调用网关。
 2. 通过网关发送, 失败则整体失败, 本地不留任何记录。
 3. 发送成功后追加到目标消息; 追加失败时仍报告成功, 但附带
    PARTIAL_FAILURE 警告, 并把该表情放入 ReconcileQueue 等待修复。

同一操作者对同一消息的相同表情是幂等的。ReconcileQueue 提供内存与
Redis 列表两种实现, Attacher.Reconcile 负责读修复。
*/
package reactions
