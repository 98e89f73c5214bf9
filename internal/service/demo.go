package service

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

const demoTarget = "github.com/Wei-Shaw/gatekit/internal/service.DemoService"

// ErrDemoTransient is the simulated transient failure thrown by the retry
// demo until the requested number of failures is reached.
var ErrDemoTransient = infraerrors.ServiceUnavailable("DEMO_TRANSIENT", "simulated transient failure")

type DemoCacheResponse struct {
	CustomerID  int64     `json:"customer_id"`
	StableValue string    `json:"stable_value"`
	GeneratedAt time.Time `json:"generated_at"`
}

type DemoPaymentRequest struct {
	Amount   float64 `json:"amount" binding:"required,gt=0"`
	Currency string  `json:"currency" binding:"required"`
}

type DemoPaymentResponse struct {
	PaymentID string    `json:"payment_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type DemoPingResponse struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type DemoRetryResponse struct {
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	FailTimes  int       `json:"fail_times"`
	SubjectKey string    `json:"subject_key"`
	At         time.Time `json:"at"`
}

// DemoService exercises every toolkit stage end to end. Each method is built
// into a chain once, in the constructor, and invoked through that chain.
type DemoService struct {
	retryCounters sync.Map // subjectKey|failTimes -> *atomic.Int64

	cachedView Operation
	payment    Operation
	ping       Operation
	retry      Operation
}

func NewDemoService(toolkit *Toolkit) *DemoService {
	s := &DemoService{}

	s.cachedView = toolkit.Build(OperationSpec{
		Target:     demoTarget,
		Name:       "CachedCustomerView",
		ArgNames:   []string{"int64"},
		ReturnType: reflect.TypeOf(&DemoCacheResponse{}),
		Audit:      &AuditSpec{CaptureArgs: true, CaptureResult: true},
		Cache:      &CacheSpec{Name: "demoCustomerCache", TTLSeconds: 60},
	}, func(ctx context.Context, args []any) (any, error) {
		return s.cachedCustomerView(ctx, args[0].(int64))
	})

	s.payment = toolkit.Build(OperationSpec{
		Target:     demoTarget,
		Name:       "IdempotentPayment",
		ArgNames:   []string{"DemoPaymentRequest"},
		ReturnType: reflect.TypeOf(&DemoPaymentResponse{}),
		Audit:      &AuditSpec{CaptureArgs: true, CaptureResult: true},
		Idempotency: &IdempotencySpec{
			RequireKey:                 true,
			TTLSeconds:                 86400,
			ConflictOnDifferentRequest: true,
			RejectInFlight:             true,
		},
	}, func(ctx context.Context, args []any) (any, error) {
		return s.idempotentPayment(ctx, args[0].(DemoPaymentRequest))
	})

	s.ping = toolkit.Build(OperationSpec{
		Target:     demoTarget,
		Name:       "RateLimitedPing",
		ReturnType: reflect.TypeOf(&DemoPingResponse{}),
		Audit:      &AuditSpec{CaptureResult: true},
		RateLimit:  &RateLimitSpec{PermitsPerSecond: 2, Burst: 2},
	}, func(ctx context.Context, args []any) (any, error) {
		return s.rateLimitedPing(ctx)
	})

	s.retry = toolkit.Build(OperationSpec{
		Target:     demoTarget,
		Name:       "RetryDemo",
		ArgNames:   []string{"int"},
		ReturnType: reflect.TypeOf(&DemoRetryResponse{}),
		Audit:      &AuditSpec{CaptureArgs: true, CaptureResult: true},
		Retry: &RetrySpec{
			MaxAttempts:   4,
			BackoffMillis: 200,
			RetryOn: func(err error) bool {
				return infraerrors.Reason(err) == "DEMO_TRANSIENT"
			},
		},
	}, func(ctx context.Context, args []any) (any, error) {
		return s.retryDemo(ctx, args[0].(int))
	})

	return s
}

// CachedCustomerView returns a stable value per customer id while the cache
// entry lives; a changed value on a repeat call means the cache missed.
func (s *DemoService) CachedCustomerView(ctx context.Context, customerID int64) (*DemoCacheResponse, error) {
	v, err := s.cachedView(ctx, []any{customerID})
	if err != nil {
		return nil, err
	}
	return v.(*DemoCacheResponse), nil
}

// IdempotentPayment accepts a payment exactly once per idempotency key.
// Repeating the key replays the stored response, payment id included.
func (s *DemoService) IdempotentPayment(ctx context.Context, req DemoPaymentRequest) (*DemoPaymentResponse, error) {
	v, err := s.payment(ctx, []any{req})
	if err != nil {
		return nil, err
	}
	return v.(*DemoPaymentResponse), nil
}

// RateLimitedPing trips the limiter after two quick calls per subject.
func (s *DemoService) RateLimitedPing(ctx context.Context) (*DemoPingResponse, error) {
	v, err := s.ping(ctx, nil)
	if err != nil {
		return nil, err
	}
	return v.(*DemoPingResponse), nil
}

// RetryDemo fails transiently failTimes times per subject, then succeeds.
func (s *DemoService) RetryDemo(ctx context.Context, failTimes int) (*DemoRetryResponse, error) {
	v, err := s.retry(ctx, []any{failTimes})
	if err != nil {
		return nil, err
	}
	return v.(*DemoRetryResponse), nil
}

func (s *DemoService) cachedCustomerView(_ context.Context, customerID int64) (*DemoCacheResponse, error) {
	return &DemoCacheResponse{
		CustomerID:  customerID,
		StableValue: uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (s *DemoService) idempotentPayment(_ context.Context, req DemoPaymentRequest) (*DemoPaymentResponse, error) {
	return &DemoPaymentResponse{
		PaymentID: uuid.NewString(),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    "ACCEPTED",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *DemoService) rateLimitedPing(_ context.Context) (*DemoPingResponse, error) {
	return &DemoPingResponse{Status: "OK", At: time.Now().UTC()}, nil
}

func (s *DemoService) retryDemo(ctx context.Context, failTimes int) (*DemoRetryResponse, error) {
	subjectKey := SubjectFromContext(ctx).Key()
	counterKey := fmt.Sprintf("%s|failTimes=%d", subjectKey, failTimes)

	v, _ := s.retryCounters.LoadOrStore(counterKey, &atomic.Int64{})
	attempt := int(v.(*atomic.Int64).Add(1))

	if attempt <= failTimes {
		return nil, ErrDemoTransient.WithMetadata(map[string]string{
			"attempt": fmt.Sprintf("%d/%d", attempt, failTimes),
		})
	}

	// reset so the demo can be repeated
	s.retryCounters.Delete(counterKey)

	return &DemoRetryResponse{
		Status:     "SUCCESS",
		Attempt:    attempt,
		FailTimes:  failTimes,
		SubjectKey: subjectKey,
		At:         time.Now().UTC(),
	}, nil
}
