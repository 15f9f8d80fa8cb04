package collab

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Janitor 周期性清理过期锁。清理本身经由各会话的串行执行点完成。
type Janitor struct {
	registry *SessionRegistry
	interval time.Duration
	logger   *zap.Logger
}

func NewJanitor(registry *SessionRegistry, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{registry: registry, interval: interval, logger: logger}
}

// Run 阻塞直到 ctx 结束
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.registry.SweepAll(ctx)
		}
	}
}

// Autosaver 按固定间隔把有新版本的会话写入 FinalizationSink，与用户活动无关
type Autosaver struct {
	registry *SessionRegistry
	sink     FinalizationSink
	interval time.Duration
	logger   *zap.Logger

	// 只在 Run 所在 goroutine 内访问；resourceID -> 最近一次保存
	saved map[string]savedMark
}

type savedMark struct {
	sessionID string
	version   uint64
}

func NewAutosaver(registry *SessionRegistry, sink FinalizationSink, interval time.Duration, logger *zap.Logger) *Autosaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Autosaver{
		registry: registry,
		sink:     sink,
		interval: interval,
		logger:   logger,
		saved:    make(map[string]savedMark),
	}
}

func (a *Autosaver) Run(ctx context.Context) {
	if a.interval <= 0 || a.sink == nil {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SaveAll(ctx)
		}
	}
}

// SaveAll 保存一轮，返回实际写入的会话数
func (a *Autosaver) SaveAll(ctx context.Context) int {
	live := make(map[string]struct{})
	n := 0
	for _, id := range a.registry.ResourceIDs() {
		live[id] = struct{}{}
		snap, err := a.registry.GetState(ctx, id, "")
		if err != nil {
			if !errors.Is(err, ErrUnknownResource) {
				a.logger.Warn("autosave read failed", zap.String("resource", id), zap.Error(err))
			}
			continue
		}
		// 资源被重新打开后是另一个会话，版本号不可比较
		if mark, ok := a.saved[id]; ok && mark.sessionID == snap.SessionID && mark.version >= snap.Version {
			continue
		}
		if err := a.sink.Save(ctx, snap); err != nil {
			a.logger.Warn("autosave failed", zap.String("resource", id), zap.Uint64("version", snap.Version), zap.Error(err))
			continue
		}
		a.saved[id] = savedMark{sessionID: snap.SessionID, version: snap.Version}
		n++
	}
	for id := range a.saved {
		if _, ok := live[id]; !ok {
			delete(a.saved, id)
		}
	}
	return n
}
