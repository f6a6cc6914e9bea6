package eventbus

import (
	"context"
)

// WildcardTopic subscribes to every topic.
const WildcardTopic = "*"

// Event 事件结构
type Event struct {
	Topic   string `json:"topic"`
	Key     string `json:"key"` // 分区键，同一 Key 的事件按发布顺序处理
	Payload any    `json:"payload"`
}

// Handler 事件处理器
type Handler func(event *Event) error

// partition 分区结构
type partition struct {
	id     int
	queue  chan *Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}
