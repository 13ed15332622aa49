// Package errors provides structured, code-carrying errors for the simulation core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Inbound message errors
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// Intent errors
	CodePolicyRejected    Code = "POLICY_REJECTED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// Concurrency
	CodeLockBusy Code = "LOCK_BUSY"

	// Persistence errors
	CodePersistenceFailed     Code = "PERSISTENCE_FAILED"
	CodeHydrationDataQuality  Code = "HYDRATION_DATA_QUALITY"
	CodeSnapshotSchemaInvalid Code = "SNAPSHOT_SCHEMA_INVALID"

	// Lookup errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeScenarioNotFound Code = "SCENARIO_NOT_FOUND"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"

	// Provider errors
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
)

// UserVisible reports whether the code is surfaced to the initiator of a request.
// Persistence, audit, and provider faults stay on the server side.
func (c Code) UserVisible() bool {
	switch c {
	case CodeValidationFailed,
		CodePolicyRejected,
		CodeInvalidTransition,
		CodeLockBusy,
		CodeScenarioNotFound,
		CodeSessionNotFound,
		CodeNotFound:
		return true
	default:
		return false
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - malformed inbound payloads
	case CodeValidationFailed:
		return codes.InvalidArgument

	// FailedPrecondition - current state or policy doesn't allow the intent
	case CodePolicyRejected,
		CodeInvalidTransition:
		return codes.FailedPrecondition

	// Unavailable - caller should retry later
	case CodeLockBusy,
		CodeProviderUnavailable:
		return codes.Unavailable

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeScenarioNotFound,
		CodeSessionNotFound:
		return codes.NotFound

	// DataLoss - stored or outgoing state failed validation
	case CodeHydrationDataQuality,
		CodeSnapshotSchemaInvalid:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}
