package broker

import "sync"

// TopicFlows carries flow summaries from the interception pipeline to the
// control surface.
const TopicFlows = "flows"

// Broker is a small in-process pub/sub: one buffered channel per topic.
// Publish never blocks the pipeline; when a subscriber falls behind, the
// message is dropped rather than stalling interception.
type Broker[T any] struct {
	topics      map[string]chan T
	maxSizeChan uint
	mu          sync.Mutex
}

func New[T any](maxCountMsgInTopic uint) *Broker[T] {
	return &Broker[T]{
		topics:      make(map[string]chan T),
		maxSizeChan: maxCountMsgInTopic,
	}
}

func (b *Broker[T]) Publish(topic string, msg T) {
	ch := b.topic(topic)
	select {
	case ch <- msg:
	default:
	}
}

func (b *Broker[T]) Subscribe(topic string) <-chan T {
	return b.topic(topic)
}

func (b *Broker[T]) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.topics[topic]; ok {
		close(ch)
		delete(b.topics, topic)
	}
}

func (b *Broker[T]) topic(name string) chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan T, b.maxSizeChan)
		b.topics[name] = ch
	}
	return ch
}
