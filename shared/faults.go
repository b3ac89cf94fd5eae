package shared

import (
	"sync"

	"go.uber.org/zap"
)

// FaultReason represents why an inbound message was rejected
type FaultReason string

const (
	// Protocol violations
	ReasonMessageParsingFailed FaultReason = "message_parsing_failed"
	ReasonUnknownMethod        FaultReason = "unknown_method"
	ReasonMissingParams        FaultReason = "missing_params"
	ReasonUnexpectedState      FaultReason = "unexpected_state"

	// Data integrity
	ReasonRangeIntegrity FaultReason = "range_integrity"

	// Network and connectivity failures
	ReasonConnectionLost   FaultReason = "connection_lost"
	ReasonWebSocketFailure FaultReason = "websocket_failure"

	ReasonTooManyFaults FaultReason = "too_many_faults"
)

// FaultSeverity indicates how the owning connection should react
type FaultSeverity int

const (
	// SeverityLow - log, drop the offending message, keep going
	SeverityLow FaultSeverity = iota
	// SeverityHigh - the connection cannot continue
	SeverityHigh
)

// GetSeverity returns the severity level for a fault reason
func (r FaultReason) GetSeverity() FaultSeverity {
	switch r {
	case ReasonMessageParsingFailed,
		ReasonUnknownMethod,
		ReasonMissingParams,
		ReasonUnexpectedState,
		ReasonRangeIntegrity:
		return SeverityLow
	case ReasonConnectionLost,
		ReasonWebSocketFailure,
		ReasonTooManyFaults:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// FaultReporter logs protocol faults and decides when a connection has
// misbehaved often enough to be dropped.
type FaultReporter struct {
	logger      *Logger
	faultCounts map[string]int
	mu          sync.Mutex
	maxFaults   int
}

// NewFaultReporter creates a reporter; maxFaults <= 0 means never escalate.
func NewFaultReporter(logger *Logger, maxFaults int) *FaultReporter {
	return &FaultReporter{
		logger:      OrNop(logger),
		faultCounts: make(map[string]int),
		maxFaults:   maxFaults,
	}
}

// Report logs the fault for connID and returns true if the connection should be closed.
func (fr *FaultReporter) Report(connID string, reason FaultReason, err error, fields ...zap.Field) bool {
	allFields := append(fields,
		zap.String("conn_id", connID),
		zap.String("reason", string(reason)),
		zap.Error(err))

	if reason.GetSeverity() == SeverityHigh {
		fr.logger.Error("Connection fault", allFields...)
		return true
	}

	fr.mu.Lock()
	fr.faultCounts[connID]++
	count := fr.faultCounts[connID]
	fr.mu.Unlock()

	if fr.maxFaults > 0 && count >= fr.maxFaults {
		fr.logger.Error("Connection fault threshold exceeded",
			append(allFields, zap.Int("fault_count", count), zap.String("escalated_reason", string(ReasonTooManyFaults)))...)
		return true
	}

	fr.logger.Warn("Protocol fault, message ignored", append(allFields, zap.Int("fault_count", count))...)
	return false
}

// Forget removes fault tracking for a connection
func (fr *FaultReporter) Forget(connID string) {
	fr.mu.Lock()
	delete(fr.faultCounts, connID)
	fr.mu.Unlock()
}

// Count returns the current fault count for a connection
func (fr *FaultReporter) Count(connID string) int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.faultCounts[connID]
}
