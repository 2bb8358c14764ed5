// 配置文件变更监听与重载。
//
// 轮询配置文件的修改时间，防抖后重新加载并通知回调。
// 只有能够在运行时安全替换的字段（例如日志级别）由回调应用，
// 其余字段的变更需要重启服务。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc 在配置成功重载后调用
type ReloadFunc func(oldCfg, newCfg *Config)

// Reloader 监听配置文件并在变更时重载
type Reloader struct {
	mu sync.RWMutex

	loader   *Loader
	path     string
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger

	current   *Config
	lastMod   time.Time
	callbacks []ReloadFunc
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		r.interval = d
	}
}

// WithDebounceDelay 设置防抖延迟
func WithDebounceDelay(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		r.debounce = d
	}
}

// WithReloadLogger 设置日志记录器
func WithReloadLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) {
		r.logger = logger
	}
}

// NewReloader 创建重载器，current 为当前生效的配置
func NewReloader(path string, current *Config, loader *Loader, opts ...ReloaderOption) (*Reloader, error) {
	if path == "" {
		return nil, errors.New("config path is required for reloading")
	}
	if current == nil {
		return nil, errors.New("current config is required")
	}
	if loader == nil {
		loader = NewLoader()
	}

	r := &Reloader{
		loader:   loader.WithConfigPath(path),
		path:     path,
		interval: time.Second,
		debounce: 100 * time.Millisecond,
		logger:   zap.NewNop(),
		current:  current,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))

	if info, err := os.Stat(path); err == nil {
		r.lastMod = info.ModTime()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
	}

	return r, nil
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start 开始轮询，ctx 取消或调用 Stop 后退出
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("reloader already running")
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)

	r.logger.Info("config reloader started",
		zap.String("path", r.path),
		zap.Duration("interval", r.interval))
	return nil
}

// Stop 停止轮询并等待后台 goroutine 退出
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	<-done
	r.logger.Info("config reloader stopped")
}

func (r *Reloader) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if r.changed() {
				// 编辑器保存时可能多次写入，等文件稳定后再加载
				pending = time.After(r.debounce)
			}
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
			}
		}
	}
}

func (r *Reloader) changed() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !info.ModTime().After(r.lastMod) {
		return false
	}
	r.lastMod = info.ModTime()
	return true
}

// Reload 立即重新加载配置。新配置未通过验证时保留旧配置
func (r *Reloader) Reload() error {
	next, err := r.loader.Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	callbacks := make([]ReloadFunc, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logger.Info("config reloaded", zap.String("path", r.path))
	for _, fn := range callbacks {
		fn(prev, next)
	}
	return nil
}
