package bridge

// queueCapacity bounds every notification and stdin queue.
const queueCapacity = 256

// notifyQueue is a bounded queue feeding one GET stream. Items are raw
// newline-stripped JSON lines; a nil item is the close sentinel instructing
// the consumer to terminate.
type notifyQueue struct {
	ch chan []byte
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{ch: make(chan []byte, queueCapacity)}
}

// put enqueues without blocking; a full queue drops the item so the stdout
// dispatcher never stalls on a slow consumer.
func (q *notifyQueue) put(data []byte) bool {
	select {
	case q.ch <- data:
		return true
	default:
		return false
	}
}

// closeSentinel guarantees delivery of the nil sentinel by draining items
// until a slot frees up. The single-consumer contract makes the loop finite.
func (q *notifyQueue) closeSentinel() {
	for {
		select {
		case q.ch <- nil:
			return
		default:
		}
		select {
		case <-q.ch:
		default:
		}
	}
}

// items exposes the consumer side.
func (q *notifyQueue) items() <-chan []byte {
	return q.ch
}
