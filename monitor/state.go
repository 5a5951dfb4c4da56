package monitor

import (
	"errors"
	"fmt"
	"time"

	"tradejournal/models"
)

// Phase monitor lifecycle phase
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// recentSize records kept in the in-memory ring
const recentSize = 10

// Status messages
const (
	msgStarting      = "monitor starting"
	msgStarted       = "monitoring started"
	msgStopping      = "monitor stopping"
	msgStopped       = "monitor stopped"
	msgMissingCreds  = "API key and secret are both required"
	msgSeedFailedFmt = "initial order lookup failed: %v"
	msgRetryFmt      = "error (retrying): %v"
)

// ErrMissingCredentials start was called without a key or secret
var ErrMissingCredentials = errors.New(msgMissingCreds)

// StartRejectedError the key failed the pre-flight permission check
type StartRejectedError struct {
	Reason error
}

func (e *StartRejectedError) Error() string {
	return fmt.Sprintf("start rejected: %v", e.Reason)
}

func (e *StartRejectedError) Unwrap() error { return e.Reason }

// Credentials exchange API key pair. Never logged or exposed.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Snapshot read-only view of the monitor state
type Snapshot struct {
	Running     bool                 `json:"running"`
	Phase       Phase                `json:"phase"`
	Status      string               `json:"status"`
	KeyMask     string               `json:"key_mask"`
	SessionID   string               `json:"session_id,omitempty"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	LastOrderID string               `json:"last_order_id,omitempty"`
	Processed   int                  `json:"processed"`
	Failures    int                  `json:"failures"`
	Recent      []models.TradeRecord `json:"recent"`
}

// StartResult outcome of a start request
type StartResult struct {
	Snapshot
	AlreadyRunning bool `json:"already_running"`
}

// outcomeKind result of one loop iteration
type outcomeKind int

const (
	outcomeIdle outcomeKind = iota
	outcomeProcessed
	outcomeFailed
)

type outcome struct {
	kind   outcomeKind
	record models.TradeRecord
	err    error
}

func idle() outcome { return outcome{kind: outcomeIdle} }

func failed(err error) outcome { return outcome{kind: outcomeFailed, err: err} }

func processed(rec models.TradeRecord) outcome {
	return outcome{kind: outcomeProcessed, record: rec}
}
