package resilience

import (
	"context"
	"sync"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// Operation is one outbound call to an external protocol.
type Operation func(ctx context.Context) (interface{}, error)

// Settings tunes the retry policy and the per-service breakers.
type Settings struct {
	FailureThreshold int
	OpenDuration     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	CallTimeout      time.Duration
}

// HealthStatus is the last known health of one external service, fed by the
// background prober so the request path does not discover outages first.
type HealthStatus struct {
	Service   string    `json:"service"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Executor wraps every outbound protocol call with retry-with-backoff and a
// per-service circuit breaker.
type Executor struct {
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
	health   map[string]HealthStatus
}

// NewExecutor creates an executor with one breaker per service, created lazily.
func NewExecutor(settings Settings) *Executor {
	return &Executor{
		settings: settings,
		logger:   util.GetLogger(),
		now:      time.Now,
		breakers: make(map[string]*breaker),
		health:   make(map[string]HealthStatus),
	}
}

func (e *Executor) breakerFor(service string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[service]
	if !ok {
		b = newBreaker(service, e.settings.FailureThreshold, e.settings.OpenDuration, e.now)
		e.breakers[service] = b
	}
	return b
}

// Execute runs op with up to MaxRetries attempts and linear backoff
// (RetryDelay × attempt). Retries stop as soon as the breaker opens. A success
// on a later attempt resets the breaker's failure count, so an operation that
// eventually succeeds never counts toward tripping it.
func (e *Executor) Execute(ctx context.Context, service string, op Operation) (interface{}, error) {
	b := e.breakerFor(service)

	var lastErr error
	for attempt := 1; attempt <= e.settings.MaxRetries; attempt++ {
		if !b.allow() {
			return nil, models.ErrServiceUnavailable
		}

		result, err := e.invoke(ctx, service, op)
		if err == nil {
			b.recordSuccess()
			return result, nil
		}

		lastErr = err
		b.recordFailure()
		util.ExternalCallFailures.WithLabelValues(service).Inc()
		e.logger.Warn("External call failed",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if b.isOpen() {
			break
		}
		if attempt < e.settings.MaxRetries {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, &models.ExternalServiceError{Service: service, Err: lastErr}
}

// ExecuteWithFallback runs op and, if it fails or the breaker is open, falls
// back. Only read-style operations should pass a fallback; funds-moving calls
// must surface the failure instead.
func (e *Executor) ExecuteWithFallback(ctx context.Context, service string, op Operation, fallback Operation) (interface{}, error) {
	result, err := e.Execute(ctx, service, op)
	if err == nil {
		return result, nil
	}

	e.logger.Warn("Falling back after external failure",
		zap.String("service", service),
		zap.Error(err))
	return fallback(ctx)
}

func (e *Executor) invoke(ctx context.Context, service string, op Operation) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.settings.CallTimeout)
	defer cancel()

	start := e.now()
	result, err := op(callCtx)
	util.ExternalCallLatency.WithLabelValues(service).Observe(e.now().Sub(start).Seconds())
	return result, err
}

func (e *Executor) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt) * e.settings.RetryDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Probe runs a health check outside the retry policy and records the outcome
// on both the health snapshot and the breaker.
func (e *Executor) Probe(ctx context.Context, service string, check func(ctx context.Context) error) {
	callCtx, cancel := context.WithTimeout(ctx, e.settings.CallTimeout)
	defer cancel()

	err := check(callCtx)
	b := e.breakerFor(service)
	if err != nil {
		e.logger.Warn("Health check failed",
			zap.String("service", service),
			zap.Error(err))
		b.recordFailure()
	} else if b.allow() {
		b.recordSuccess()
	}

	e.mu.Lock()
	e.health[service] = HealthStatus{Service: service, Healthy: err == nil, CheckedAt: e.now()}
	e.mu.Unlock()
}

// HealthSnapshot returns the last probe result per service.
func (e *Executor) HealthSnapshot() []HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]HealthStatus, 0, len(e.health))
	for _, st := range e.health {
		statuses = append(statuses, st)
	}
	return statuses
}

// BreakerSnapshot returns the current state of every breaker.
func (e *Executor) BreakerSnapshot() []BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make([]BreakerState, 0, len(e.breakers))
	for _, b := range e.breakers {
		states = append(states, b.snapshot())
	}
	return states
}
