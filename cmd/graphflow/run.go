package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/proposal"
	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
)

// =============================================================================
// ▶️ run 命令
// =============================================================================

// runOutput 是 run 命令写到标准输出的 JSON
type runOutput struct {
	Status    workflow.RunStatus  `json:"status"`
	ThreadID  string              `json:"thread_id"`
	Steps     int                 `json:"steps"`
	Interrupt *workflow.Interrupt `json:"interrupt,omitempty"`
	Error     *workflow.RunError  `json:"error,omitempty"`
	Artifacts []proposal.Artifact `json:"artifacts,omitempty"`
}

// runPipeline 在终端启动或恢复提案流水线。日志写到 stderr，结果 JSON 写到 out。
func runPipeline(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	threadID := fs.String("thread", "", "Thread id (default: generated)")
	input := fs.String("input", "", `JSON request that starts the thread ("-" for stdin)`)
	resume := fs.String("resume", "", "JSON response that resumes the suspended thread")
	outDir := fs.String("out", "", "Directory for rendered documents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*input == "") == (*resume == "") {
		return errors.New("exactly one of --input or --resume is required")
	}
	if *resume != "" && *threadID == "" {
		return errors.New("--resume requires --thread")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Log.OutputPaths = []string{"stderr"}
	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	// 线程需要跨进程恢复，内存存储改用文件存储
	if t := checkpoint.Type(cfg.Checkpoint.Type); t == checkpoint.TypeMemory || t == "" {
		cfg.Checkpoint.Type = string(checkpoint.TypeFile)
		logger.Info("memory checkpoint store replaced by file store",
			zap.String("base_dir", cfg.Checkpoint.BaseDir))
	}

	store, err := openStore(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	graph, err := newProposalGraph(cfg.Runtime, *outDir, logger)
	if err != nil {
		return err
	}
	runner := workflow.NewRunner(graph, store,
		runnerOptions(cfg.Runtime, workflow.NewHistoryStore(cfg.Runtime.HistoryPerThread), logger)...)

	var res workflow.RunResult
	if *resume != "" {
		var response any
		if err := json.Unmarshal([]byte(*resume), &response); err != nil {
			return fmt.Errorf("decode --resume: %w", err)
		}
		res = runner.Resume(ctx, *threadID, response, workflow.RunConfig{})
	} else {
		req, err := readRequest(*input)
		if err != nil {
			return err
		}
		if *threadID == "" {
			*threadID = uuid.NewString()
		}
		res = runner.Start(ctx, workflow.State{proposal.KeyRequest: req}, *threadID, workflow.RunConfig{})
	}

	if res.Err != nil && isCanceled(res.Err) {
		return fmt.Errorf("thread %s: %w", res.ThreadID, context.Canceled)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runOutput{
		Status:    res.Status,
		ThreadID:  res.ThreadID,
		Steps:     res.Steps,
		Interrupt: res.Interrupt,
		Error:     res.Err,
		Artifacts: workflow.StateSlice[proposal.Artifact](res.State, proposal.KeyArtifacts),
	}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if res.Status == workflow.RunFailed {
		return fmt.Errorf("thread %s failed: %w", res.ThreadID, res.Err)
	}
	return nil
}

// readRequest 读取请求 JSON，path 为 "-" 时读标准输入
func readRequest(path string) (proposal.Request, error) {
	var req proposal.Request
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
