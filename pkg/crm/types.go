// Package crm is the record-creation collaborator: the only code that talks
// to the external CRM.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

const (
	KindContact = "contact"
	KindCompany = "company"
	KindDeal    = "deal"
)

// Record is what the CRM returns for a created object.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordCreator creates one record. idempotencyHint is stable for a logical
// item, so a CRM that honours it can drop duplicates on its side as well.
type RecordCreator interface {
	CreateRecord(ctx context.Context, kind string, payload map[string]any, idempotencyHint string) (Record, error)
}

// Error is a classified failure from the CRM.
type Error struct {
	Category   store.FailureCategory
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("crm %s (HTTP %d): %v", e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("crm %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be retried.
func (e *Error) Retryable() bool { return e.Category.Retryable() }

// NewError builds a classified error.
func NewError(category store.FailureCategory, err error) *Error {
	return &Error{Category: category, Err: err}
}

// Classify maps any error to a failure category.
func Classify(err error) (store.FailureCategory, bool) {
	if err == nil {
		return "", false
	}

	var crmErr *Error
	if errors.As(err, &crmErr) {
		return crmErr.Category, crmErr.Category.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.CategoryTimeout, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return store.CategoryTimeout, true
		}
		return store.CategoryNetwork, true
	}
	return store.CategoryUnknown, true
}

// CategoryForStatus maps an HTTP status to a failure category.
func CategoryForStatus(code int) store.FailureCategory {
	switch {
	case code == 429:
		return store.CategoryRateLimit
	case code == 401 || code == 403:
		return store.CategoryAuth
	case code == 400 || code == 409 || code == 422:
		return store.CategoryValidation
	case code == 408:
		return store.CategoryTimeout
	case code >= 500:
		return store.CategoryNetwork
	}
	return store.CategoryUnknown
}
