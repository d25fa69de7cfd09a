// 配置文件轮询重载。
//
// 仅日志级别等少量字段支持运行时生效; 其余字段的变化只记录告警, 需重启。
package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 在新配置通过校验后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// hotReloadable 列出无需重启即可生效的字段
var hotReloadable = map[string]bool{
	"Log.Level":          true,
	"Dispatch.ReplyText": true,
}

// IsHotReloadable 判断字段路径 (如 "Log.Level") 是否可热更新
func IsHotReloadable(path string) bool {
	return hotReloadable[path]
}

// Reloader 按修改时间轮询配置文件, 变化后重新加载并通知回调
type Reloader struct {
	mu        sync.RWMutex
	loader    *Loader
	path      string
	current   *Config
	modTime   time.Time
	interval  time.Duration
	callbacks []ReloadCallback
	logger    *zap.Logger
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.interval = d }
}

// WithReloadLogger 设置日志记录器
func WithReloadLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = logger }
}

// NewReloader 创建配置重载器, current 为启动时已加载的配置
func NewReloader(path string, current *Config, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		loader:   NewLoader().WithConfigPath(path).WithValidator((*Config).Validate),
		path:     path,
		current:  current,
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	}
	return r
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run 轮询直到 ctx 结束
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("config reloader started", zap.String("path", r.path), zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
			}
		}
	}
}

// Check 检查文件是否变化, 变化时重新加载。返回是否应用了新配置。
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", r.path, err)
	}

	r.mu.RLock()
	unchanged := !info.ModTime().After(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	next, err := r.loader.Load()
	if err != nil {
		// 记录修改时间, 避免对同一份错误文件反复告警
		r.mu.Lock()
		r.modTime = info.ModTime()
		r.mu.Unlock()
		return false, err
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	r.modTime = info.ModTime()
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	for _, path := range Diff(prev, next) {
		if IsHotReloadable(path) {
			r.logger.Info("config field reloaded", zap.String("field", path))
		} else {
			r.logger.Warn("config field changed, restart required", zap.String("field", path))
		}
	}
	for _, cb := range callbacks {
		cb(prev, next)
	}
	return true, nil
}

// Diff 返回两个配置之间发生变化的字段路径
func Diff(oldConfig, newConfig *Config) []string {
	var changes []string
	diffStruct("", reflect.ValueOf(*oldConfig), reflect.ValueOf(*newConfig), &changes)
	return changes
}

func diffStruct(prefix string, oldVal, newVal reflect.Value, changes *[]string) {
	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if prefix != "" {
			name = prefix + "." + name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct && o.Type() != reflect.TypeOf(time.Time{}) {
			diffStruct(name, o, n, changes)
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			*changes = append(*changes, name)
		}
	}
}
