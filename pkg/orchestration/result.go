package orchestration

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/diagnostics"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
)

// State is a state of the scenario state machine.
type State string

const (
	StateBooting          State = "Booting"
	StateActivationWait   State = "ActivationWait"
	StateSessionBootstrap State = "SessionBootstrap"
	StatePreflight        State = "Preflight"
	StateServiceStart     State = "ServiceStart"
	StatePortWait         State = "PortWait"
	StateVerified         State = "Verified"
	StateFailed           State = "Failed"
)

// Result statuses.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

var (
	// ErrProbeFailed wraps the failure of a pre-flight add-on probe.
	ErrProbeFailed = errors.New("pre-flight probe failed")
	// ErrInvalidUID is returned when id -u printed something else than a
	// number.
	ErrInvalidUID = errors.New("invalid uid")
)

// StepError is the failure of a state of the state machine.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepResult records the time spent in a state.
type StepResult struct {
	State    State         `json:"state"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Succeeded reports whether the state completed.
func (s StepResult) Succeeded() bool {
	return s.Error == ""
}

// TestEvent is an entry of the scenario timeline.
type TestEvent struct {
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	EventType string    `json:"eventType"`
	Details   string    `json:"details,omitempty"`
}

// Binaries are the paths resolved during pre-flight.
type Binaries struct {
	Wrapper     string `json:"wrapper,omitempty"`
	Application string `json:"application,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
}

// Result is the outcome of a single scenario run.
type Result struct {
	Scenario string `json:"scenario"`
	RunID    string `json:"runId"`
	// State is the last state entered: Verified or Failed.
	State State `json:"state"`
	// FailedState is the state the run failed in, if any.
	FailedState State  `json:"failedState,omitempty"`
	Status      string `json:"status"`

	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	Steps  []StepResult `json:"steps"`
	Events []TestEvent  `json:"events"`

	UID         string              `json:"uid,omitempty"`
	Binaries    Binaries            `json:"binaries,omitzero"`
	Diagnostics *diagnostics.Report `json:"diagnostics,omitempty"`

	Expected     *scenario.ExpectedOutcome `json:"expected,omitempty"`
	Error        string                    `json:"error,omitempty"`
	CleanupError string                    `json:"cleanupError,omitempty"`
}

// Passed reports whether the scenario reached Verified.
func (r *Result) Passed() bool {
	return r.Status == StatusPassed
}

// AsExpected reports whether the status matches the expected outcome of the
// scenario. Without expectation, a scenario is expected to pass.
func (r *Result) AsExpected() bool {
	want := StatusPassed
	if r.Expected != nil && r.Expected.Status != "" {
		want = r.Expected.Status
	}
	return r.Status == want
}

func (r *Result) recordEvent(state State, eventType, details string) {
	r.Events = append(r.Events, TestEvent{
		Timestamp: time.Now(),
		State:     state,
		EventType: eventType,
		Details:   details,
	})
}
