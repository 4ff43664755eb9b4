package producer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
)

type AsyncConfig struct {
	Config
	// MaxQueueSize bounds the event queue between callers and the
	// delivery worker. Produce on a full queue fails with
	// ErrBufferOverflow; back-pressure is the queue, not an exception
	// from the worker.
	MaxQueueSize int
	// DeliveryThreshold triggers a delivery when this many messages are
	// buffered. Zero disables the trigger.
	DeliveryThreshold int
	// DeliveryInterval triggers a delivery on a fixed ticker of this
	// period when messages are buffered. The ticker is not reset by
	// deliveries from other triggers, so an interval delivery can follow
	// one of them sooner than this. Zero disables the trigger.
	DeliveryInterval time.Duration
}

func (c *AsyncConfig) applyDefaults() error {
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	return c.Config.applyDefaults()
}

type asyncEvent struct {
	msg     *Message // nil for a deliver event
	deliver bool
}

// AsyncProducer feeds a Producer from a single background worker through a
// bounded queue. Deliveries trigger on an explicit Deliver call, on the
// buffered message count reaching DeliveryThreshold, or on DeliveryInterval
// elapsing. Shutdown drains the queue, runs a final delivery, and stops the
// worker. Delivery errors cannot be returned to the caller; they are logged
// and counted by the notifier.
type AsyncProducer struct {
	p      *Producer
	cfg    AsyncConfig
	log    *zap.Logger
	events chan asyncEvent
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewAsync(p *Producer, cfg AsyncConfig) (*AsyncProducer, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	a := &AsyncProducer{
		p:      p,
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan asyncEvent, cfg.MaxQueueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Produce enqueues a message for the background worker. Does not block:
// fails with ErrBufferOverflow when the queue is full.
func (a *AsyncProducer) Produce(m *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return kafkaclient.ErrBufferOverflow
	}
	select {
	case a.events <- asyncEvent{msg: m}:
		return nil
	default:
		return kafkaclient.ErrBufferOverflow
	}
}

// Deliver asks the worker to flush the buffer. Does not wait for the
// delivery to complete.
func (a *AsyncProducer) Deliver() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return kafkaclient.ErrBufferOverflow
	}
	select {
	case a.events <- asyncEvent{deliver: true}:
		return nil
	default:
		return kafkaclient.ErrBufferOverflow
	}
}

// Shutdown stops accepting events, waits for the worker to drain the queue
// and run a final delivery, then returns.
func (a *AsyncProducer) Shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncProducer) run() {
	defer close(a.done)
	var ticker *time.Ticker
	var tick <-chan time.Time
	if a.cfg.DeliveryInterval > 0 {
		ticker = time.NewTicker(a.cfg.DeliveryInterval)
		tick = ticker.C
		defer ticker.Stop()
	}
	for {
		select {
		case ev, ok := <-a.events:
			if !ok {
				a.deliver("shutdown")
				return
			}
			a.handle(ev)
		case <-tick:
			if a.p.BufferedCount() > 0 {
				a.deliver("interval")
			}
		}
	}
}

func (a *AsyncProducer) handle(ev asyncEvent) {
	if ev.deliver {
		a.deliver("request")
		return
	}
	if err := a.p.Produce(ev.msg); err != nil {
		a.log.Error("async produce dropped message",
			zap.String("topic", ev.msg.Topic), zap.Error(err))
		return
	}
	if a.cfg.DeliveryThreshold > 0 && a.p.BufferedCount() >= a.cfg.DeliveryThreshold {
		a.deliver("threshold")
	}
}

func (a *AsyncProducer) deliver(reason string) {
	if err := a.p.Deliver(); err != nil {
		a.log.Error("async delivery failed",
			zap.String("reason", reason), zap.Error(err))
	}
}
