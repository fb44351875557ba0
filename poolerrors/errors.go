package poolerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Planning (P) Errors
var (
	ErrInfeasible             = errors.New("P1|Infeasible: No selection of at most maxInputs notes covers the target.")
	ErrConsolidationExhausted = errors.New("P2|ConsolidationExhausted: Consolidation cannot bring the note count within the spend limit.")
	ErrInvalidAmount          = errors.New("P3|InvalidAmount: Amount must be greater than zero.")
	ErrUnknownTokenKind       = errors.New("P4|UnknownTokenKind: Token kind is not one of the supported assets.")
	ErrInvalidLimits          = errors.New("P5|InvalidLimits: Input limits must be at least one.")
)

// Proving (R) Errors
var (
	ErrProofTimeout          = errors.New("R1|ProofTimeout: Proof request did not finish before its deadline.")
	ErrProofGenerationFailed = errors.New("R2|ProofGenerationFailed: Prover did not return a proof within the retry budget.")
	ErrInvalidWitness        = errors.New("R3|InvalidWitness: Prover rejected the witness inputs.")
	ErrProofRejected         = errors.New("R4|ProofRejected: Ledger failed to verify the proof.")
)

// Submission (S) Errors
var (
	ErrAllEndpointsFailed      = errors.New("S1|AllEndpointsFailed: Every relay attempt failed.")
	ErrNoHealthyEndpoints      = errors.New("S2|NoHealthyEndpoints: No relay endpoint is currently healthy.")
	ErrStaleRootDetected       = errors.New("S3|StaleRootDetected: Local Merkle root differs from the ledger root.")
	ErrNullifierAlreadySpent   = errors.New("S4|NullifierAlreadySpent: Ledger has already published this nullifier.")
	ErrConcurrentSpendDetected = errors.New("S5|ConcurrentSpendDetected: A note was spent by another pipeline.")
	ErrEndpointUnavailable     = errors.New("S6|EndpointUnavailable: Relay endpoint returned a server error.")
	ErrSubmissionRejected      = errors.New("S7|SubmissionRejected: Ledger rejected the submission.")
)

// State (M) Errors
var (
	ErrTreeFull           = errors.New("M1|TreeFull: Merkle tree is at capacity.")
	ErrMirrorDiverged     = errors.New("M2|MirrorDiverged: Local mirror is not a prefix of the ledger tree.")
	ErrLeafOutOfRange     = errors.New("M3|LeafOutOfRange: Leaf index is beyond the mirror size.")
	ErrNullifierKnown     = errors.New("M4|NullifierKnown: Nullifier is already recorded.")
	ErrCapacityExceeded   = errors.New("M5|CapacityExceeded: Nullifier set is at capacity.")
	ErrLeafIndexImmutable = errors.New("M6|LeafIndexImmutable: Note already has a different leaf index.")
	ErrStateInconsistent  = errors.New("M7|StateInconsistent: Persisted notes reference leaves absent from the mirror.")
)

// Infeasible reports that the planner could not cover Needed with at most
// MaxInputs notes. Available is the best sum reachable within that limit.
type Infeasible struct {
	Needed    uint64
	Available uint64
	MaxInputs int
}

func (e *Infeasible) Error() string {
	return fmt.Sprintf("%v (needed=%d available=%d maxInputs=%d)", ErrInfeasible, e.Needed, e.Available, e.MaxInputs)
}

func (e *Infeasible) Is(target error) bool { return target == ErrInfeasible }

// ConsolidationExhausted is fatal for the current spend call. Residual is the
// unspent note count left for the token kind.
type ConsolidationExhausted struct {
	Rounds   int
	Residual int
	Reason   string
}

func (e *ConsolidationExhausted) Error() string {
	return fmt.Sprintf("%v (rounds=%d residual=%d): %s", ErrConsolidationExhausted, e.Rounds, e.Residual, e.Reason)
}

func (e *ConsolidationExhausted) Is(target error) bool { return target == ErrConsolidationExhausted }

// ProofGenerationFailed wraps the last prover error after the retry budget.
type ProofGenerationFailed struct {
	Attempts int
	Err      error
}

func (e *ProofGenerationFailed) Error() string {
	return fmt.Sprintf("%v (attempts=%d): %v", ErrProofGenerationFailed, e.Attempts, e.Err)
}

func (e *ProofGenerationFailed) Is(target error) bool { return target == ErrProofGenerationFailed }

func (e *ProofGenerationFailed) Unwrap() error { return e.Err }

// AllEndpointsFailed is returned by the relayer once the attempt cap is hit.
type AllEndpointsFailed struct {
	Attempts int
	Err      error
}

func (e *AllEndpointsFailed) Error() string {
	return fmt.Sprintf("%v (attempts=%d): %v", ErrAllEndpointsFailed, e.Attempts, e.Err)
}

func (e *AllEndpointsFailed) Is(target error) bool { return target == ErrAllEndpointsFailed }

func (e *AllEndpointsFailed) Unwrap() error { return e.Err }

// ConcurrentSpendDetected carries the nullifier the ledger refused.
type ConcurrentSpendDetected struct {
	Nullifier string
}

func (e *ConcurrentSpendDetected) Error() string {
	return fmt.Sprintf("%v (nullifier=%s)", ErrConcurrentSpendDetected, e.Nullifier)
}

func (e *ConcurrentSpendDetected) Is(target error) bool {
	return target == ErrConcurrentSpendDetected || target == ErrNullifierAlreadySpent
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
