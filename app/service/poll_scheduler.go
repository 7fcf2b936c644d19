package service

import (
	"sync"
	"time"

	"mesh-forge/app/logger"
)

// 轮询策略常量，固定值不按任务调整
const (
	// BasePollInterval 基础轮询间隔
	BasePollInterval = 3 * time.Second
	// FirstPollDelay 任务创建后首次轮询的延迟
	FirstPollDelay = time.Second
	// MaxPollDuration 从首次提交起的轮询总预算，超出即判超时
	MaxPollDuration = 10 * time.Minute
	// MaxUnknownRetries 连续 unknown 状态的最大次数，到达即放弃
	MaxUnknownRetries = 3
	// MaxSyncAttempts 供应商请求连续失败的最大次数
	MaxSyncAttempts = 3
)

// PollJob 一次计划中的轮询，负载随重排队逐跳携带。
// 调度器不跨次共享内存，计数器都放在负载里
type PollJob struct {
	TaskID         string    `json:"task_id"`
	ProviderTaskID string    `json:"provider_task_id"`
	StartedAt      time.Time `json:"started_at"`      // 首次提交供应商的时刻
	UnknownRetries int       `json:"unknown_retries"` // 连续 unknown 观察次数
	Attempts       int       `json:"attempts"`        // 连续供应商错误次数
}

// PollHandler 轮询任务的处理函数
type PollHandler func(job PollJob)

// PollScheduler 延迟任务调度器。
// 每次 Schedule 恰好触发一次执行；生命周期的"循环"由处理函数
// 在完成后重新入队实现，没有线程阻塞等待。
// 同一任务的轮询链天然串行：每个任务执行完才调度下一个
type PollScheduler struct {
	log     *logger.Logger
	handler PollHandler

	workers chan struct{} // 控制并发数的信号量
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending map[string]*time.Timer // 等待触发的任务
	active  map[string]struct{}    // 正在执行的任务
}

// NewPollScheduler 创建轮询调度器
func NewPollScheduler(concurrency int, log *logger.Logger) *PollScheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PollScheduler{
		log:     log,
		workers: make(chan struct{}, concurrency),
		stopCh:  make(chan struct{}),
		pending: make(map[string]*time.Timer),
		active:  make(map[string]struct{}),
	}
}

// SetHandler 设置处理函数，必须在 Start 之前调用
func (s *PollScheduler) SetHandler(h PollHandler) {
	s.handler = h
}

// Start 启动调度器
func (s *PollScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.log.Infof("轮询调度器已启动，并发数: %d", cap(s.workers))
}

// Stop 停止调度器：取消所有等待中的任务，等正在执行的任务完成
func (s *PollScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("轮询调度器已停止")
}

// Schedule 在 delay 之后执行一次 job。
// 同一任务再次 Schedule 会顶掉尚未触发的旧计划
func (s *PollScheduler) Schedule(job PollJob, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.log.Warnf("调度器未运行，丢弃轮询任务: taskID=%s", job.TaskID)
		return
	}

	if old, ok := s.pending[job.TaskID]; ok {
		old.Stop()
	}
	s.pending[job.TaskID] = time.AfterFunc(delay, func() {
		s.fire(job)
	})
}

// Tracked 任务是否已有等待或执行中的轮询，恢复扫描用它去重
func (s *PollScheduler) Tracked(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, waiting := s.pending[taskID]
	_, executing := s.active[taskID]
	return waiting || executing
}

// fire 定时器触发后占用一个工作槽执行处理函数
func (s *PollScheduler) fire(job PollJob) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.pending, job.TaskID)
	s.active[job.TaskID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, job.TaskID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-s.stopCh:
		return
	}

	s.handler(job)
}
