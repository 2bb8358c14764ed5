// Copyright (c) GraphFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 GraphFlow HTTP API 的请求处理器实现。

# 概述

handlers 把编译好的工作流图暴露为 HTTP 端点：启动与恢复运行、
查询线程检查点与运行历史、通过 websocket 订阅运行事件，以及健康检查。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的方法与
路径通配模式注册到 http.ServeMux。

# 核心类型

  - ThreadHandler   ：启动/恢复运行，查询线程与历史，按图名称索引 Runner
  - EventBroker     ：workflow.Observer 实现，按线程分发运行事件
  - StreamHandler   ：websocket 事件流（coder/websocket）
  - HealthHandler   ：服务健康检查（/health, /healthz, /ready, /version）
  - Response        ：统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo       ：结构化错误信息，含 code、message、retryable 标记

# 主要能力

  - 运行结果：完成与中断返回 200，失败时 workflow.ErrorKind 映射为
    HTTP 状态码（StatusForKind），data 中保留完整 RunResult
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 子图事件：订阅 outer 线程同时收到 outer::inner 线程的事件
  - 可扩展健康检查：RegisterCheck 注册 HealthCheck，NewStoreHealthCheck
    检查检查点存储
*/
package handlers
