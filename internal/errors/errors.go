/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package errors provides structured error handling for raftd.

The errors package implements a structured error system with:
  - Error categories (Consensus, Storage, Connection, Validation)
  - Error codes for programmatic handling
  - User-friendly messages with hints
  - Contextual detail for debugging
  - Error wrapping for root cause analysis

Error Categories:
  - ConsensusError: Raft protocol-level conditions (§7 of the design doc)
  - StorageError: durable-store persistence failures
  - ConnectionError: RPC transport failures
  - ValidationError: configuration and input validation failures
*/
package errors

import (
	"fmt"
)

// ErrorCode is a unique, stable error identifier.
type ErrorCode int

const (
	// Consensus errors (5100-5199)
	ErrCodeStaleTerm          ErrorCode = 5100
	ErrCodeLogInconsistency   ErrorCode = 5101
	ErrCodeDurabilityFailure  ErrorCode = 5102
	ErrCodeTransportFailure   ErrorCode = 5103
	ErrCodeNotLeader          ErrorCode = 5104
	ErrCodeSimulatedCrash     ErrorCode = 5105
	ErrCodeElectionInProgress ErrorCode = 5106

	// Storage errors (5000-5099)
	ErrCodeStorage       ErrorCode = 5000
	ErrCodeCorrupted     ErrorCode = 5001
	ErrCodeIOError       ErrorCode = 5002
	ErrCodeAlreadyLocked ErrorCode = 5003
	ErrCodeNotFound      ErrorCode = 5004

	// Connection errors (3000-3999)
	ErrCodeConnection      ErrorCode = 3000
	ErrCodeConnectionLost  ErrorCode = 3001
	ErrCodeTimeout         ErrorCode = 3002
	ErrCodeProtocolError   ErrorCode = 3003
	ErrCodeUnreachablePeer ErrorCode = 3004

	// Validation errors (6000-6999)
	ErrCodeValidation      ErrorCode = 6000
	ErrCodeInvalidValue    ErrorCode = 6001
	ErrCodeMissingRequired ErrorCode = 6004
)

// Category groups related error codes.
type Category string

const (
	CategoryConsensus  Category = "CONSENSUS"
	CategoryStorage    Category = "STORAGE"
	CategoryConnection Category = "CONNECTION"
	CategoryValidation Category = "VALIDATION"
)

// RaftError is a structured error used throughout raftd.
type RaftError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Detail   string
	Hint     string
	Cause    error

	// LeaderID optionally carries the last-known leader, set only on
	// ErrCodeNotLeader so a caller can redirect (spec.md §6/§7.5).
	LeaderID string
}

// Error implements the error interface.
func (e *RaftError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ERROR %d (%s): %s - %s", e.Code, e.Category, e.Message, e.Detail)
	}
	return fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.Category, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *RaftError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly, hint-annotated message.
func (e *RaftError) UserMessage() string {
	msg := fmt.Sprintf("ERROR: %s", e.Message)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf("\nHINT: %s", e.Hint)
	}
	return msg
}

// WithDetail attaches additional detail.
func (e *RaftError) WithDetail(detail string) *RaftError {
	e.Detail = detail
	return e
}

// WithHint attaches an actionable hint.
func (e *RaftError) WithHint(hint string) *RaftError {
	e.Hint = hint
	return e
}

// WithCause attaches the underlying cause.
func (e *RaftError) WithCause(cause error) *RaftError {
	e.Cause = cause
	return e
}

// ============================================================================
// Consensus error constructors (spec.md §7)
// ============================================================================

// StaleTerm is returned/logged when an RPC ask or reply carries a term below
// the receiver's current term (error kind 1 of spec.md §7). Recoverable: the
// caller should ignore the message (for asks, reply with current_term).
func StaleTerm(ourTerm, theirTerm uint32) *RaftError {
	return &RaftError{
		Code:     ErrCodeStaleTerm,
		Category: CategoryConsensus,
		Message:  "stale term on incoming RPC",
		Detail:   fmt.Sprintf("current_term=%d, rpc_term=%d", ourTerm, theirTerm),
	}
}

// LogInconsistency is returned when the AppendEntries consistency check at
// prev_log_index/prev_log_term fails (error kind 2). Recovered locally by the
// leader backing off next_index; never surfaces above the core.
func LogInconsistency(prevIndex uint64, prevTerm uint32) *RaftError {
	return &RaftError{
		Code:     ErrCodeLogInconsistency,
		Category: CategoryConsensus,
		Message:  "log consistency check failed",
		Detail:   fmt.Sprintf("prev_log_index=%d, prev_log_term=%d", prevIndex, prevTerm),
	}
}

// DurabilityFailure wraps a failed sync/append to stable storage (error kind
// 3). Fatal: the peer must not continue after this, since P1 may be violated.
func DurabilityFailure(cause error) *RaftError {
	return &RaftError{
		Code:     ErrCodeDurabilityFailure,
		Category: CategoryConsensus,
		Message:  "durable write failed",
		Hint:     "the peer will exit so the supervisor can restart it and recover from stable storage",
		Cause:    cause,
	}
}

// TransportFailure wraps a failed RPC send or reply delivery (error kind 4).
// Logged at warning level by the caller; never fatal.
func TransportFailure(peer string, cause error) *RaftError {
	return &RaftError{
		Code:     ErrCodeTransportFailure,
		Category: CategoryConsensus,
		Message:  "RPC transport failure",
		Detail:   fmt.Sprintf("peer=%s", peer),
		Cause:    cause,
	}
}

// NotLeader is the typed, client-visible error kind 5: a client request
// arrived at a non-leader. leaderID may be empty if no leader is known yet.
func NotLeader(leaderID string) *RaftError {
	return &RaftError{
		Code:     ErrCodeNotLeader,
		Category: CategoryConsensus,
		Message:  "this peer is not the leader",
		Hint:     "retry against the current leader",
		LeaderID: leaderID,
	}
}

// SimulatedCrash marks the deliberate, low-probability test-hook panic
// inside commit-index advancement (error kind 6). Treated as a durability
// failure: fatal, restart-and-recover.
func SimulatedCrash() *RaftError {
	return &RaftError{
		Code:     ErrCodeSimulatedCrash,
		Category: CategoryConsensus,
		Message:  "simulated crash fault triggered",
		Hint:     "this is a test-only fault injected behind a configuration flag",
	}
}

// ElectionInProgress indicates a submitted command can't be sequenced yet
// because no leader has been recognized for the current term.
func ElectionInProgress() *RaftError {
	return &RaftError{
		Code:     ErrCodeElectionInProgress,
		Category: CategoryConsensus,
		Message:  "no leader recognized for the current term",
		Hint:     "retry shortly once an election completes",
	}
}

// ============================================================================
// Storage error constructors
// ============================================================================

// NewStorageError creates a generic storage error.
func NewStorageError(message string) *RaftError {
	return &RaftError{Code: ErrCodeStorage, Category: CategoryStorage, Message: message}
}

// Corrupted reports a corrupted on-disk partition segment.
func Corrupted(partition, detail string) *RaftError {
	return &RaftError{
		Code:     ErrCodeCorrupted,
		Category: CategoryStorage,
		Message:  fmt.Sprintf("partition %q corrupted", partition),
		Detail:   detail,
		Hint:     "restore from a replica; this peer cannot safely continue",
	}
}

// IOError wraps an I/O failure while reading or writing a partition.
func IOError(op string, cause error) *RaftError {
	return &RaftError{
		Code:     ErrCodeIOError,
		Category: CategoryStorage,
		Message:  fmt.Sprintf("I/O error during %s", op),
		Cause:    cause,
	}
}

// AlreadyLocked reports that a data directory is already held by another
// process (the flock-based single-writer guard, SPEC_FULL.md §4.8).
func AlreadyLocked(dir string) *RaftError {
	return &RaftError{
		Code:     ErrCodeAlreadyLocked,
		Category: CategoryStorage,
		Message:  "data directory is already locked by another process",
		Detail:   dir,
		Hint:     "stop the other process or point this peer at a different data_dir",
	}
}

// KeyNotFound reports a missing key in a partition Get.
func KeyNotFound(partition string) *RaftError {
	return &RaftError{
		Code:     ErrCodeNotFound,
		Category: CategoryStorage,
		Message:  fmt.Sprintf("key not found in partition %q", partition),
	}
}

// ============================================================================
// Connection error constructors
// ============================================================================

// NewConnectionError creates a generic connection error.
func NewConnectionError(message string) *RaftError {
	return &RaftError{Code: ErrCodeConnection, Category: CategoryConnection, Message: message}
}

// ConnectionLost reports a transport connection dropping mid-RPC.
func ConnectionLost(reason string) *RaftError {
	return &RaftError{
		Code:     ErrCodeConnectionLost,
		Category: CategoryConnection,
		Message:  "connection lost",
		Detail:   reason,
	}
}

// Timeout reports an RPC that exceeded its per-attempt deadline.
func Timeout(peer string) *RaftError {
	return &RaftError{
		Code:     ErrCodeTimeout,
		Category: CategoryConnection,
		Message:  "RPC timed out",
		Detail:   fmt.Sprintf("peer=%s", peer),
	}
}

// ProtocolError reports a malformed wire message.
func ProtocolError(detail string) *RaftError {
	return &RaftError{Code: ErrCodeProtocolError, Category: CategoryConnection, Message: "protocol error", Detail: detail}
}

// UnreachablePeer reports a dial failure to a configured peer address.
func UnreachablePeer(peer string, cause error) *RaftError {
	return &RaftError{
		Code:     ErrCodeUnreachablePeer,
		Category: CategoryConnection,
		Message:  fmt.Sprintf("cannot reach peer %q", peer),
		Cause:    cause,
	}
}

// ============================================================================
// Validation error constructors
// ============================================================================

// NewValidationError creates a generic validation error.
func NewValidationError(message string) *RaftError {
	return &RaftError{Code: ErrCodeValidation, Category: CategoryValidation, Message: message}
}

// InvalidValue reports an out-of-range or malformed config field.
func InvalidValue(field, reason string) *RaftError {
	return &RaftError{
		Code:     ErrCodeInvalidValue,
		Category: CategoryValidation,
		Message:  fmt.Sprintf("invalid value for %q", field),
		Detail:   reason,
	}
}

// MissingRequired reports a required config field left unset.
func MissingRequired(field string) *RaftError {
	return &RaftError{
		Code:     ErrCodeMissingRequired,
		Category: CategoryValidation,
		Message:  fmt.Sprintf("missing required field: %s", field),
	}
}

// ============================================================================
// Helper functions
// ============================================================================

// IsNotLeader reports whether err is the typed not-leader redirect.
func IsNotLeader(err error) bool {
	e, ok := err.(*RaftError)
	return ok && e.Code == ErrCodeNotLeader
}

// IsFatal reports whether err must terminate the owning peer (error kinds 3
// and 6 of spec.md §7): durability failures and the simulated-crash hook,
// plus corrupted partitions.
func IsFatal(err error) bool {
	e, ok := err.(*RaftError)
	if !ok {
		return false
	}
	return e.Code == ErrCodeDurabilityFailure || e.Code == ErrCodeSimulatedCrash || e.Code == ErrCodeCorrupted
}

// GetCode returns the error code if err is a *RaftError, or 0 otherwise.
func GetCode(err error) ErrorCode {
	if e, ok := err.(*RaftError); ok {
		return e.Code
	}
	return 0
}

// FormatError formats any error for user display.
func FormatError(err error) string {
	if e, ok := err.(*RaftError); ok {
		return e.UserMessage()
	}
	return fmt.Sprintf("ERROR: %v", err)
}
