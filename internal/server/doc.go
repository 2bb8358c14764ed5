// 版权所有 2024 GraphFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 GraphFlow 的 HTTP 服务器生命周期。

# 概述

Manager 封装 net/http.Server，负责监听、服务与优雅关闭。
graphflow serve 为 API 与 Prometheus 指标各创建一个 Manager，
以同一个可取消的上下文驱动两者的 Run。

# 核心类型

  - Manager：Start/Run/Shutdown/Errors，ListenAddr 返回实际监听地址。
  - Config：监听地址、读写超时、空闲超时、请求头上限与关闭超时。
    FromServerConfig 由 config.ServerConfig 构造。

websocket 流式订阅要求 API 服务的 WriteTimeout 为 0 或足够长。
*/
package server
