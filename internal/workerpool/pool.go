package workerpool

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// Task 任务函数
type Task func()

// Pool 按 Key 分片的 Worker Pool
// 同一 Key 的任务总是落到同一个 worker，按提交顺序执行
type Pool struct {
	queues []chan Task
	mu     sync.RWMutex // 保护 queues 的关闭
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger *slog.Logger
}

// New 创建 Worker Pool
// workers: worker 数量；queueSize: 每个 worker 的队列长度
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		queues: make([]chan Task, workers),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	for i := range pool.queues {
		pool.queues[i] = make(chan Task, queueSize)
		pool.wg.Add(1)
		go pool.worker(i, pool.queues[i])
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

func (p *Pool) worker(id int, queue chan Task) {
	defer p.wg.Done()

	for task := range queue {
		// 执行任务，捕获 panic
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Task panic recovered",
						"worker_id", id,
						"panic", r)
				}
			}()
			task()
		}()
	}
}

// Submit 提交任务；队列满时阻塞直到有空位或 Pool 关闭
func (p *Pool) Submit(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	queue := p.queues[p.shard(key)]
	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case <-p.ctx.Done():
		return false
	case queue <- task:
		return true
	}
}

// TrySubmit 尝试提交任务，队列满时立即返回 false
func (p *Pool) TrySubmit(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	queue := p.queues[p.shard(key)]
	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case queue <- task:
		return true
	default:
		return false
	}
}

// Shutdown 停止接收新任务，等待已入队任务执行完
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.cancel()
		p.mu.Lock()
		for _, q := range p.queues {
			close(q)
		}
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Info("Worker pool shutdown completed")
	})
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}
