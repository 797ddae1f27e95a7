package mqtt

import "github.com/rs/zerolog"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox queues messages while the broker is unreachable, in publish order.
//
// A retained message supersedes any earlier retained message on the same
// topic, so at most one state update per topic is replayed. When full, the
// oldest unretained message is evicted first; retained messages are only
// evicted when nothing else is left.
//
// Not safe for concurrent use; RealPublisher holds its mutex around every call.
type outbox struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int // evicted since the last drain
	log      zerolog.Logger
}

func newOutbox(capacity int, log zerolog.Logger) *outbox {
	return &outbox{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
		log:      log,
	}
}

func (o *outbox) push(msg bufferedMsg) {
	if msg.retained {
		if i := o.indexRetained(msg.topic); i >= 0 {
			o.remove(i)
		}
	}
	if len(o.msgs) == o.capacity {
		victim := o.indexUnretained()
		if victim < 0 {
			victim = 0
		}
		if o.dropped == 0 {
			o.log.Warn().
				Int("capacity", o.capacity).
				Str("topic", o.msgs[victim].topic).
				Msg("mqtt: outbox full, dropping message")
		}
		o.dropped++
		o.remove(victim)
	}
	o.msgs = append(o.msgs, msg)
}

// drainAll returns the queued messages oldest first and empties the outbox.
func (o *outbox) drainAll() []bufferedMsg {
	if len(o.msgs) == 0 {
		return nil
	}
	if o.dropped > 0 {
		o.log.Warn().Int("dropped", o.dropped).Msg("mqtt: messages lost while disconnected")
	}
	out := o.msgs
	o.msgs = make([]bufferedMsg, 0, o.capacity)
	o.dropped = 0
	return out
}

func (o *outbox) len() int {
	return len(o.msgs)
}

func (o *outbox) indexRetained(topic string) int {
	for i, m := range o.msgs {
		if m.retained && m.topic == topic {
			return i
		}
	}
	return -1
}

func (o *outbox) indexUnretained() int {
	for i, m := range o.msgs {
		if !m.retained {
			return i
		}
	}
	return -1
}

func (o *outbox) remove(i int) {
	o.msgs = append(o.msgs[:i], o.msgs[i+1:]...)
}
