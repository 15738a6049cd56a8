package model

import "errors"

var (
	// ErrMalformedPacket marks packet events that cannot be turned into a flow key.
	ErrMalformedPacket = errors.New("malformed packet event")
	// ErrScorerFailure marks an update whose anomaly score could not be computed.
	ErrScorerFailure = errors.New("scorer failure")
	// ErrObserverFailure marks an observer that failed to handle an update.
	ErrObserverFailure = errors.New("observer failure")
)
