package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🧵 线程 Handler
// =============================================================================

// ThreadHandler 线程运行处理器。所有 Runner 共用同一个检查点存储。
type ThreadHandler struct {
	runners map[string]*workflow.Runner
	order   []string
	store   checkpoint.Store
	logger  *zap.Logger
}

// NewThreadHandler 创建线程处理器，按图名称索引 runners
func NewThreadHandler(store checkpoint.Store, logger *zap.Logger, runners ...*workflow.Runner) (*ThreadHandler, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ThreadHandler{
		runners: make(map[string]*workflow.Runner, len(runners)),
		store:   store,
		logger:  logger.With(zap.String("component", "thread_handler")),
	}
	for _, r := range runners {
		name := r.Graph().Name()
		if _, dup := h.runners[name]; dup {
			return nil, fmt.Errorf("graph %q registered twice", name)
		}
		h.runners[name] = r
		h.order = append(h.order, name)
	}
	sort.Strings(h.order)
	return h, nil
}

// Register 挂载线程相关路由
func (h *ThreadHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/graphs", h.HandleListGraphs)
	mux.HandleFunc("POST /v1/graphs/{graph}/threads", h.HandleStart)
	mux.HandleFunc("POST /v1/graphs/{graph}/threads/{id}/resume", h.HandleResume)
	mux.HandleFunc("GET /v1/threads/{id}", h.HandleGetThread)
	mux.HandleFunc("GET /v1/threads/{id}/history", h.HandleHistory)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleListGraphs 列出已注册的图
// @Summary 图列表
// @Tags 图
// @Produce json
// @Success 200 {object} Response{data=[]api.GraphInfo}
// @Router /v1/graphs [get]
func (h *ThreadHandler) HandleListGraphs(w http.ResponseWriter, r *http.Request) {
	out := make([]api.GraphInfo, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, api.NewGraphInfo(h.runners[name].Graph()))
	}
	WriteSuccess(w, out)
}

// HandleStart 在新线程或已有线程上启动运行
// @Summary 启动运行
// @Tags 线程
// @Accept json
// @Produce json
// @Param graph path string true "图名称"
// @Param request body api.StartRequest false "启动请求"
// @Success 200 {object} Response{data=workflow.RunResult} "完成或中断"
// @Failure 404 {object} Response "图不存在"
// @Failure 409 {object} Response "线程挂起中或属于其他图"
// @Failure 422 {object} Response "状态类型错误或超出预算"
// @Router /v1/graphs/{graph}/threads [post]
func (h *ThreadHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.StartRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	} else if !h.ownedBy(w, r, threadID, runner.Graph().Name()) {
		return
	}

	input, err := runner.Graph().Schema().Normalize(workflow.State(req.Input))
	if err != nil {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, string(workflow.KindSchema), err.Error(), h.logger)
		return
	}

	res := runner.Start(r.Context(), input, threadID, req.Config.Workflow())
	WriteRunResult(w, res, h.logger)
}

// HandleResume 回答线程挂起的中断并继续运行
// @Summary 恢复运行
// @Tags 线程
// @Accept json
// @Produce json
// @Param graph path string true "图名称"
// @Param id path string true "线程 ID"
// @Param request body api.ResumeRequest true "恢复请求"
// @Success 200 {object} Response{data=workflow.RunResult} "完成或再次中断"
// @Failure 409 {object} Response "没有挂起的中断"
// @Router /v1/graphs/{graph}/threads/{id}/resume [post]
func (h *ThreadHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ResumeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	threadID := r.PathValue("id")
	if !h.ownedBy(w, r, threadID, runner.Graph().Name()) {
		return
	}

	res := runner.Resume(r.Context(), threadID, req.Response, req.Config.Workflow())
	WriteRunResult(w, res, h.logger)
}

// HandleGetThread 返回线程检查点
// @Summary 线程详情
// @Tags 线程
// @Produce json
// @Param id path string true "线程 ID"
// @Success 200 {object} Response{data=api.ThreadInfo}
// @Failure 404 {object} Response "线程不存在"
// @Router /v1/threads/{id} [get]
func (h *ThreadHandler) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	cp, err := h.store.Get(r.Context(), threadID)
	if err != nil {
		h.writeStoreError(w, threadID, err)
		return
	}
	WriteSuccess(w, api.NewThreadInfo(cp))
}

// HandleHistory 返回线程最近的运行记录，按开始时间排序
// @Summary 线程运行历史
// @Tags 线程
// @Produce json
// @Param id path string true "线程 ID"
// @Success 200 {object} Response{data=[]workflow.ExecutionHistory}
// @Router /v1/threads/{id}/history [get]
func (h *ThreadHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	seen := make(map[*workflow.HistoryStore]bool)
	out := make([]*workflow.ExecutionHistory, 0)
	for _, name := range h.order {
		hs := h.runners[name].History()
		if hs == nil || seen[hs] {
			continue
		}
		seen[hs] = true
		out = append(out, hs.ListByThread(threadID)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })

	WriteSuccess(w, out)
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

func (h *ThreadHandler) runner(w http.ResponseWriter, r *http.Request) (*workflow.Runner, bool) {
	name := r.PathValue("graph")
	runner, ok := h.runners[name]
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("graph %q not found", name), h.logger)
		return nil, false
	}
	return runner, true
}

// ownedBy 拒绝跨图操作已有线程。线程不存在时放行。
func (h *ThreadHandler) ownedBy(w http.ResponseWriter, r *http.Request, threadID, graph string) bool {
	cp, err := h.store.Get(r.Context(), threadID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return true
	case err != nil:
		h.writeStoreError(w, threadID, err)
		return false
	case cp.Graph != "" && cp.Graph != graph:
		WriteErrorMessage(w, http.StatusConflict, CodeInvalidRequest,
			fmt.Sprintf("thread %q belongs to graph %q", threadID, cp.Graph), h.logger)
		return false
	}
	return true
}

func (h *ThreadHandler) writeStoreError(w http.ResponseWriter, threadID string, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		WriteErrorMessage(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("thread %q not found", threadID), h.logger)
	case errors.Is(err, checkpoint.ErrInvalidInput):
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), h.logger)
	default:
		WriteError(w, &ErrorInfo{
			Code:       string(workflow.KindCheckpoint),
			Message:    err.Error(),
			Retryable:  true,
			HTTPStatus: http.StatusServiceUnavailable,
		}, h.logger)
	}
}
