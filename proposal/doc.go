// Copyright (c) GraphFlow Authors.
// Licensed under the MIT License.

/*
Package proposal 在 workflow 运行时之上实现科研项目提案的编写流水线。

# 概述

流水线从用户请求出发，解析招标条款（TDR），生成候选项目概念，
由用户选择概念并补充参与的研究组，最后生成逻辑框架、预算与技术文档。
各步骤的内容由 Drafter 产出；TemplateDrafter 为确定性实现，
不依赖外部模型服务。

# 图结构

	schema_entrada → coordinador_general → tdr_vectorstore
	  ⇉ tdr_parsing_agent（每个 TDR 章节一个 fan-out 分支）
	  → project_structure（swarm：deep_research ↔ concept_generation）
	  → project_selection（中断：选择概念）
	  → project_initiation（子图：project_identification → project_research
	     → loading_research_groups_info（中断）→ project_member_analysis）
	  → logic_framework_structure → budget_calculation
	  → technical_document_writing → render_documentation → END

# 恢复响应

  - project_selection：Selection{concept_id} 或概念 id 字符串；
    未知 id 会带 error 字段再次挂起
  - loading_research_groups_info：GroupsResponse{research_groups}，
    至少一个研究组

Options.OutputDir 非空时，render_documentation 将 Markdown 文档与
CSV 预算写入该目录，文件名以 thread id 为前缀。
*/
package proposal
