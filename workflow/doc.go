// Copyright (c) GraphFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于 Command 路由的图执行运行时。

# 概述

每个步骤是一个 StepFunc，接收只读 State 与 RunConfig，返回 Command：
Update 为部分状态更新，Goto 决定下一步（单个步骤、End、或 Fanout 多分支）。
Runner 负责合并更新、选择下一步骤、执行步数预算，并在每个步骤完成后
写入 checkpoint，按 thread id 持久化。

# 核心接口与类型

  - Schema / Field    ：字段合并策略表（Overwrite / Append / Reducer）
  - Command / Route   ：路由指令（StepRoute / FanoutRoute / End / ResumeToCaller）
  - Builder / Graph   ：步骤注册与编译期校验
  - Runner            ：Start / Resume 入口，返回 RunResult
  - Suspend           ：步骤内挂起，按调用序号回放已答复的响应
  - Subgraph          ：将已编译的图作为父图中的单个步骤
  - Swarm / Handoff   ：无固定边的对等 agent 路由，跟踪 active_agent
  - Observer / Event  ：运行事件流
  - HistoryStore      ：每次调用的步骤路径记录

# 主要能力

  - Fan-out：分支并发执行（errgroup 限流），按派发顺序合并；任一分支失败
    返回 PartialFailure，状态不前进
  - 中断恢复：同一 thread 至多一个挂起点；Resume 重新执行挂起的步骤
  - 子图：内部 checkpoint 使用 "outer::name" 复合 thread id
  - 错误分类：RunError.Kind 区分 schema、recursion_limit、partial_failure 等
*/
package workflow
