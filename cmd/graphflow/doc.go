// Copyright (c) GraphFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 GraphFlow 服务端程序入口。

# 概述

cmd/graphflow 是 GraphFlow 的可执行入口，提供 HTTP API 服务、
终端运行提案流水线、检查点表迁移、健康检查和版本查询等子命令。
程序支持 YAML 配置文件与 GRAPHFLOW_ 前缀环境变量、结构化日志（zap）、
Prometheus 指标采集、OpenTelemetry 追踪以及日志级别热重载。

# 核心类型

  - Server    ：主服务器，管理 API 与 Metrics 双端口，随 ctx 取消优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - Identity  ：JWTAuth 从令牌中提取的调用方身份

# 主要能力

  - 子命令：serve、run、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）、
    JWTAuth 或 APIKeyAuth（X-API-Key / query 参数）
  - run 子命令：每次调用重新打开检查点存储，--input 启动线程，
    --resume 以 JSON 响应恢复挂起的线程，结果以 JSON 写到标准输出
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
