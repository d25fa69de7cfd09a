// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 chatrelay 的 HTTP 监听生命周期。

API 与 Prometheus metrics 各用一个 Manager。Run 阻塞提供服务，
ctx 取消后在 ShutdownTimeout 内优雅关闭，适合放进 errgroup
与其他后台循环一起退出。

  - Listen：提前绑定地址，":0" 时 Addr 返回实际端口。
  - Run：服务直到 ctx 取消。
  - Shutdown：幂等关闭。
  - FromServerConfig：由 config.ServerConfig 构造 Config。
*/
package server
