// Package eventbus distributes channel lifecycle events to subscribers.
// Events are partitioned by key so that every event of one channel is
// handled in publish order.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/callcore/internal/log"
	"firestige.xyz/callcore/internal/metrics"
)

var (
	ErrClosed    = errors.New("event bus is closed")
	ErrQueueFull = errors.New("event bus partition queue is full")
)

// EventBus 事件总线接口
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats 统计信息
type Stats struct {
	PublishedCount int64 `json:"published"`
	ProcessedCount int64 `json:"processed"`
	FailedCount    int64 `json:"failed"`
	PartitionCount int   `json:"partitions"`
	QueuedCount    []int `json:"queued"`
}

// InMemoryEventBus 基于内存的事件总线实现
type InMemoryEventBus struct {
	partitions     []*partition
	partitionCount int
	subscribers    map[string][]Handler
	mu             sync.RWMutex
	closed         int32
	hashRing       *hashring.HashRing // 一致性哈希环
	partitionNodes []string           // 分区节点标识

	// 统计信息
	publishedCount int64
	processedCount int64
	failedCount    int64
}

// NewInMemoryEventBus 创建新的内存事件总线
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	bus := &InMemoryEventBus{
		partitionCount: partitionCount,
		subscribers:    make(map[string][]Handler),
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
	}

	for i := 0; i < partitionCount; i++ {
		bus.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	bus.hashRing = hashring.New(bus.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		bus.partitions[i] = &partition{
			id:     i,
			queue:  make(chan *Event, queueSize),
			ctx:    ctx,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		go bus.runPartition(bus.partitions[i])
	}

	return bus
}

// Publish 发布事件，队列满时立即返回 ErrQueueFull
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if atomic.LoadInt32(&b.closed) == 1 {
		return ErrClosed
	}

	partitionID := b.getPartitionID(event.Key)
	select {
	case b.partitions[partitionID].queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		metrics.EventsPublishedTotal.WithLabelValues(event.Topic).Inc()
		return nil
	default:
		metrics.EventsDroppedTotal.WithLabelValues(event.Topic).Inc()
		return fmt.Errorf("partition %d: %w", partitionID, ErrQueueFull)
	}
}

// Subscribe 订阅主题，同一主题可以有多个处理器，"*" 订阅全部主题
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if atomic.LoadInt32(&b.closed) == 1 {
		return ErrClosed
	}
	b.subscribers[topic] = append(b.subscribers[topic], handler)

	log.Get().Debug("event bus subscription added", "topic", topic)
	return nil
}

// Close 关闭事件总线，已入队的事件会先处理完
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		b.mu.Unlock()
		return nil
	}
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	for _, p := range b.partitions {
		<-p.done
		p.cancel()
	}

	log.Get().Info("event bus closed",
		"published", atomic.LoadInt64(&b.publishedCount),
		"processed", atomic.LoadInt64(&b.processedCount))
	return nil
}

// GetStats 获取统计信息
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		FailedCount:    atomic.LoadInt64(&b.failedCount),
		PartitionCount: b.partitionCount,
		QueuedCount:    make([]int, b.partitionCount),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

// getPartitionID 使用一致性哈希算法计算分区ID
func (b *InMemoryEventBus) getPartitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, partitionNode := range b.partitionNodes {
		if partitionNode == node {
			return i
		}
	}
	return 0
}

// handlersFor 获取主题对应的处理器，包括通配订阅
func (b *InMemoryEventBus) handlersFor(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := make([]Handler, 0, len(b.subscribers[topic])+len(b.subscribers[WildcardTopic]))
	hs = append(hs, b.subscribers[topic]...)
	if topic != WildcardTopic {
		hs = append(hs, b.subscribers[WildcardTopic]...)
	}
	return hs
}

// runPartition 运行分区消费者
func (b *InMemoryEventBus) runPartition(p *partition) {
	logger := log.Get().With("partition", p.id)
	logger.Debug("partition started")
	defer func() {
		close(p.done)
		logger.Debug("partition stopped")
	}()

	for event := range p.queue {
		failed := false
		for _, h := range b.handlersFor(event.Topic) {
			if err := h(event); err != nil {
				failed = true
				logger.Error("event handler failed", "topic", event.Topic, "key", event.Key, "error", err)
			}
		}
		if failed {
			atomic.AddInt64(&b.failedCount, 1)
		} else {
			atomic.AddInt64(&b.processedCount, 1)
		}
	}
}
