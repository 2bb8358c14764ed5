// 版权所有 2024 GraphFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP 请求与
工作流运行时两大维度。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer，
所有指标按 namespace 隔离。Collector 实现 workflow.Observer，
挂到 Runner 上即可从运行时事件派生指标，无需在步骤中埋点。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 运行指标：按 graph/status 统计结束的运行数与耗时，
    以及进行中的运行数 Gauge。
  - 步骤指标：按 graph/step/outcome 统计调用次数与耗时，
    扇出分支数分布，挂起次数。
  - 检查点指标：写入次数与写入延迟。
*/
package metrics
