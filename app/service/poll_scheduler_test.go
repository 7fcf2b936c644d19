package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mesh-forge/app/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollScheduler_ExecutesOnce(t *testing.T) {
	s := NewPollScheduler(2, logger.NewNop())

	var count int32
	done := make(chan PollJob, 1)
	s.SetHandler(func(job PollJob) {
		atomic.AddInt32(&count, 1)
		done <- job
	})

	s.Start()
	defer s.Stop()

	s.Schedule(PollJob{TaskID: "t1", ProviderTaskID: "p1"}, 10*time.Millisecond)

	select {
	case job := <-done:
		assert.Equal(t, "t1", job.TaskID)
		assert.Equal(t, "p1", job.ProviderTaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("轮询未触发")
	}

	// 单次 Schedule 只触发一次，不会重复执行
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestPollScheduler_RescheduleReplacesPending(t *testing.T) {
	s := NewPollScheduler(1, logger.NewNop())

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{}, 1)
	s.SetHandler(func(job PollJob) {
		mu.Lock()
		seen = append(seen, job.Attempts)
		mu.Unlock()
		done <- struct{}{}
	})

	s.Start()
	defer s.Stop()

	// 第二次 Schedule 顶掉第一次，最终只执行新负载
	s.Schedule(PollJob{TaskID: "t1", Attempts: 1}, 30*time.Millisecond)
	s.Schedule(PollJob{TaskID: "t1", Attempts: 2}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("轮询未触发")
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, 2, seen[0])
}

func TestPollScheduler_Tracked(t *testing.T) {
	s := NewPollScheduler(1, logger.NewNop())

	block := make(chan struct{})
	entered := make(chan struct{})
	s.SetHandler(func(job PollJob) {
		close(entered)
		<-block
	})

	s.Start()

	assert.False(t, s.Tracked("t1"))

	// 等待触发期间视为已跟踪
	s.Schedule(PollJob{TaskID: "t1"}, 10*time.Millisecond)
	assert.True(t, s.Tracked("t1"))

	// 执行期间同样视为已跟踪
	<-entered
	assert.True(t, s.Tracked("t1"))

	close(block)
	s.Stop()
	assert.False(t, s.Tracked("t1"))
}

func TestPollScheduler_StopCancelsPending(t *testing.T) {
	s := NewPollScheduler(1, logger.NewNop())

	var count int32
	s.SetHandler(func(job PollJob) {
		atomic.AddInt32(&count, 1)
	})

	s.Start()
	s.Schedule(PollJob{TaskID: "t1"}, 100*time.Millisecond)
	s.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&count))

	// 停止后的 Schedule 直接丢弃
	s.Schedule(PollJob{TaskID: "t2"}, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&count))
}

func TestPollScheduler_StopWaitsForActive(t *testing.T) {
	s := NewPollScheduler(1, logger.NewNop())

	entered := make(chan struct{})
	var finished int32
	s.SetHandler(func(job PollJob) {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	})

	s.Start()
	s.Schedule(PollJob{TaskID: "t1"}, time.Millisecond)
	<-entered

	s.Stop()
	// Stop 返回时执行中的任务必须已经完成
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestPollScheduler_ConcurrencyLimit(t *testing.T) {
	s := NewPollScheduler(2, logger.NewNop())

	var cur, max int32
	var mu sync.Mutex
	release := make(chan struct{})
	s.SetHandler(func(job PollJob) {
		n := atomic.AddInt32(&cur, 1)
		mu.Lock()
		if n > max {
			max = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&cur, -1)
	})

	s.Start()

	for _, id := range []string{"a", "b", "c", "d"} {
		s.Schedule(PollJob{TaskID: id}, time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.LessOrEqual(t, max, int32(2))
	mu.Unlock()

	close(release)
	s.Stop()
}
