package api

import (
	"time"

	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
)

// =============================================================================
// 线程请求类型
// =============================================================================

// StartRequest 启动一次运行。
// @Description 启动运行请求结构
type StartRequest struct {
	// 线程 ID，为空时由服务端生成
	ThreadID string `json:"thread_id,omitempty" example:"order-42"`
	// 合并到线程状态的初始输入
	Input map[string]any `json:"input,omitempty"`
	// 透传给每个步骤的运行配置
	Config RunConfig `json:"config,omitempty"`
}

// ResumeRequest 回答挂起的中断。
// @Description 恢复运行请求结构
type ResumeRequest struct {
	// 交给挂起步骤的响应
	Response any `json:"response"`
	// 透传给每个步骤的运行配置
	Config RunConfig `json:"config,omitempty"`
}

// RunConfig 运行配置
type RunConfig struct {
	// 本次调用的步骤预算，0 使用服务端默认值
	MaxSteps int `json:"max_steps,omitempty" example:"25"`
	// 调用方自定义选项
	Values map[string]any `json:"values,omitempty"`
}

// Workflow 转换为运行时配置
func (c RunConfig) Workflow() workflow.RunConfig {
	return workflow.RunConfig{MaxSteps: c.MaxSteps, Values: c.Values}
}

// =============================================================================
// 线程响应类型
// =============================================================================

// GraphInfo 描述一个已注册的图。
type GraphInfo struct {
	Name   string      `json:"name" example:"proposal"`
	Entry  string      `json:"entry" example:"schema_entrada"`
	Steps  []string    `json:"steps"`
	Fields []FieldInfo `json:"fields,omitempty"`
}

// FieldInfo 描述状态字段的合并策略。
type FieldInfo struct {
	Name   string `json:"name"`
	Policy string `json:"policy" example:"append"`
	Type   string `json:"type,omitempty"`
}

// ThreadInfo 线程检查点的对外视图。
type ThreadInfo struct {
	ThreadID         string            `json:"thread_id"`
	Graph            string            `json:"graph"`
	Status           checkpoint.Status `json:"status"`
	Next             string            `json:"next,omitempty"`
	State            map[string]any    `json:"state"`
	SuspendedStep    string            `json:"suspended_step,omitempty"`
	SuspendedPayload any               `json:"suspended_payload,omitempty"`
	Error            string            `json:"error,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewGraphInfo 由编译后的图构造 GraphInfo
func NewGraphInfo(g *workflow.Graph) GraphInfo {
	info := GraphInfo{Name: g.Name(), Entry: g.Entry(), Steps: g.Steps()}
	for _, f := range g.Schema().Fields() {
		fi := FieldInfo{Name: f.Name, Policy: f.Policy.String()}
		if f.Type != nil {
			fi.Type = f.Type.String()
		}
		info.Fields = append(info.Fields, fi)
	}
	return info
}

// NewThreadInfo 由检查点构造 ThreadInfo
func NewThreadInfo(cp *checkpoint.Checkpoint) ThreadInfo {
	return ThreadInfo{
		ThreadID:         cp.ThreadID,
		Graph:            cp.Graph,
		Status:           cp.Status,
		Next:             cp.Next,
		State:            cp.State,
		SuspendedStep:    cp.SuspendedStep,
		SuspendedPayload: cp.SuspendedPayload,
		Error:            cp.Error,
		Version:          cp.Version,
		CreatedAt:        cp.CreatedAt,
		UpdatedAt:        cp.UpdatedAt,
	}
}
