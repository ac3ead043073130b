// Package alert is the side channel for events an operator should see even
// when nobody is tailing the logs: defensive freezes, risk reductions,
// stream failures. Delivery is best effort; a full queue drops the alert and
// the drop itself is logged.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type Options struct {
	QueueSize          int
	DropReportInterval time.Duration
}

// Manager serializes alert delivery through one background worker so a slow
// notifier can never stall the decision loop. A nil Manager is a valid no-op
// Alerter.
type Manager struct {
	symbol     string
	instanceID string
	notifier   Notifier
	log        *zap.Logger

	queue              chan event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration
	droppedTotal       uint64
	droppedInWindow    uint64
	wg                 sync.WaitGroup
	mu                 sync.RWMutex
	closed             bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(symbol, instanceID string, notifier Notifier, log *zap.Logger) *Manager {
	return NewManagerWithOptions(symbol, instanceID, notifier, log, Options{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(symbol, instanceID string, notifier Notifier, log *zap.Logger, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		symbol:             symbol,
		instanceID:         instanceID,
		notifier:           notifier,
		log:                log,
		queue:              make(chan event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		total := atomic.AddUint64(&m.droppedTotal, 1)
		inWindow := atomic.AddUint64(&m.droppedInWindow, 1)
		m.mu.RUnlock()
		// First drop in a window is reported at once, the rest summarized.
		if inWindow == 1 {
			m.log.Warn("alert dropped, queue full",
				zap.String("event", name),
				zap.Uint64("dropped_total", total),
				zap.Int("queue_len", len(m.queue)),
				zap.Int("queue_cap", cap(m.queue)))
		}
	}
}

// Close drains the queue and waits for delivery, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDrops()
		case <-m.stop:
			m.reportDrops()
			return
		}
	}
}

func (m *Manager) reportDrops() {
	dropped := atomic.SwapUint64(&m.droppedInWindow, 0)
	if dropped == 0 {
		return
	}
	m.log.Warn("alerts dropped in window",
		zap.Uint64("dropped", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)),
		zap.Int("queue_len", len(m.queue)),
		zap.Int("queue_cap", cap(m.queue)))
}

func (m *Manager) droppedStats() (total, inWindow uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedInWindow)
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev.name, ev.fields)); err != nil {
		m.log.Error("alert delivery failed",
			zap.String("event", ev.name),
			zap.Error(err))
	}
}

func (m *Manager) buildMessage(name string, fields map[string]string) string {
	lines := []string{
		"[hedge-grid] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"symbol: " + m.symbol,
		"instance: " + m.instanceID,
		"event: " + name,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
