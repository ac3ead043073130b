// Package safety guards the reconnect path with a circuit breaker. Repeated
// stream failures trip the circuit open; after a cooldown a single half-open
// probe decides whether the loop resumes or stays parked. Order placement is
// deliberately not guarded: per-order failures are non-fatal and retried by
// the next evaluation pass anyway.
package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"hedge-grid/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const defaultCooldown = 30 * time.Second

type Breaker struct {
	enabled     bool
	maxFailures int
	cooldown    time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time
	openErr  error
	alerter  alert.Alerter
	clock    func() time.Time
}

func NewBreaker(enabled bool, maxFailures int, cooldown time.Duration, log *zap.Logger) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:     enabled,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		log:         log,
		state:       circuitClosed,
		clock:       time.Now,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.alerter = alerter
	b.mu.Unlock()
}

// AllowReconnect gates the next reconnect attempt. While open and cooling it
// returns the trip error; after the cooldown the circuit moves to half-open
// and one probe attempt is let through.
func (b *Breaker) AllowReconnect() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.cooldown > 0 && b.clock().Sub(b.openedAt) < b.cooldown {
		err := b.openErr
		if err == nil {
			err = fmt.Errorf("%w: reconnect circuit is open", ErrCircuitOpen)
		}
		b.mu.Unlock()
		return err
	}
	b.state = circuitHalfOpen
	b.failures = 0
	b.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()

	b.log.Info("reconnect circuit half-open",
		zap.Duration("cooldown", b.cooldown))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return nil
}

// CooldownRemaining reports how long the open circuit still blocks.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen || b.cooldown <= 0 {
		return 0
	}
	elapsed := b.clock().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// RecordReconnect feeds the breaker one reconnect outcome. A nil error
// closes the circuit; a failed half-open probe or maxFailures consecutive
// failures trip it and the trip error is returned.
func (b *Breaker) RecordReconnect(err error) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}

	b.mu.Lock()
	if err == nil {
		prevFailures := b.failures
		prevState := b.state
		recovered := prevState == circuitHalfOpen || prevFailures > 0
		b.state = circuitClosed
		b.failures = 0
		b.openErr = nil
		b.openedAt = time.Time{}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.log.Info("reconnect circuit recovered",
				zap.Int("previous_failures", prevFailures),
				zap.String("from_state", string(prevState)))
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"previous_failures": strconv.Itoa(prevFailures),
					"from_state":        string(prevState),
				})
			}
		}
		return nil
	}

	if b.state == circuitOpen {
		openErr := b.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: reconnect circuit is open", ErrCircuitOpen)
			b.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if b.state == circuitHalfOpen {
		openErr := b.tripLocked(err, 1, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.log.Error("reconnect circuit tripped",
			zap.String("phase", "half_open"),
			zap.Error(err))
		if alerter != nil {
			alerter.Important("circuit_breaker_trip", map[string]string{
				"phase":      "half_open",
				"last_error": err.Error(),
			})
		}
		return openErr
	}

	b.failures++
	failures := b.failures
	if failures < b.maxFailures {
		b.mu.Unlock()
		return nil
	}

	openErr := b.tripLocked(err, failures, "consecutive_failures")
	alerter := b.alerter
	b.mu.Unlock()
	b.log.Error("reconnect circuit tripped",
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.maxFailures),
		zap.Error(err))
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(b.maxFailures),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(err error, failures int, reason string) error {
	b.state = circuitOpen
	b.openedAt = b.clock()
	b.failures = failures
	b.openErr = fmt.Errorf("%w: reconnect failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, failures, b.cooldown, reason, err)
	return b.openErr
}
