package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is wrapped by every bad mapping, option or catalog error
	ErrConfiguration = errors.New("billing configuration error")

	ErrOperationInProgress = errors.New("billing operation in progress")
	ErrCoordinatorDisposed = errors.New("billing coordinator disposed")
	ErrNotReady            = errors.New("billing not ready")
	ErrAlreadyStarted      = errors.New("billing already started")
	ErrUnknownSku          = errors.New("sku not in catalog")
	ErrNotOwned            = errors.New("sku not owned")
	ErrProtocol            = errors.New("billing backend protocol violation")
)

// OperationInProgressError rejects a request while another one is pending
type OperationInProgressError struct {
	Pending   OperationKind
	Requested OperationKind
}

func (e *OperationInProgressError) Error() string {
	return fmt.Sprintf("cannot start %s: %s still pending", e.Requested, e.Pending)
}

// Is makes errors.Is(err, ErrOperationInProgress) hold
func (e *OperationInProgressError) Is(target error) bool {
	return target == ErrOperationInProgress
}

// ProtocolError describes a backend that broke the async contract
type ProtocolError struct {
	Event  EventKind
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation on %s: %s", e.Event, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
