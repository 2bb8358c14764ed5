// Package config 提供 GraphFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 GRAPHFLOW）的顺序加载，
// 覆盖 HTTP 服务、工作流运行时预算、检查点存储、日志与遥测。
// Reloader 轮询配置文件并在变更后通知回调，用于运行时调整日志级别。
package config
