package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	breaker := NewCircuitBreaker(Settings{
		Name:             "llm",
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
	}, nil)

	ctx := context.Background()
	unreachable := func(context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	}

	for i := 0; i < 3; i++ {
		if _, err := breaker.Execute(ctx, unreachable); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	if breaker.Allow() {
		t.Fatal("breaker should be open after three consecutive failures")
	}

	_, err := breaker.Execute(ctx, func(context.Context) (interface{}, error) {
		return "narrative", nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerInvokesFallbackWhenOpen(t *testing.T) {
	fallbackCalled := false
	breaker := NewCircuitBreaker(Settings{
		Name:             "llm-fallback",
		Timeout:          time.Second,
		FailureThreshold: 1,
	}, func(ctx context.Context, err error) (interface{}, error) {
		fallbackCalled = true
		return "templated narrative", nil
	})

	ctx := context.Background()
	breaker.Execute(ctx, func(context.Context) (interface{}, error) {
		return nil, errors.New("timeout")
	})

	result, err := breaker.Execute(ctx, func(context.Context) (interface{}, error) {
		return nil, errors.New("should not run")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fallbackCalled {
		t.Fatal("fallback was not invoked")
	}
	if result.(string) != "templated narrative" {
		t.Fatalf("expected fallback result, got %v", result)
	}
}

func TestCircuitBreakerPassesThroughOnSuccess(t *testing.T) {
	breaker := NewCircuitBreaker(Settings{
		Name:             "healthy",
		Timeout:          time.Second,
		FailureThreshold: 5,
	}, nil)

	result, err := breaker.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "response", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(string) != "response" {
		t.Fatalf("expected response, got %v", result)
	}
}

func TestNilBreakerExecutesDirectly(t *testing.T) {
	var breaker *CircuitBreaker
	result, err := breaker.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(int) != 42 {
		t.Fatalf("expected passthrough result, got %v", result)
	}
	if !breaker.Allow() {
		t.Fatal("nil breaker must always allow")
	}
}

func TestNoopFallbackReturnsOpenError(t *testing.T) {
	_, err := NoopFallback(context.Background(), errors.New("open"))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
