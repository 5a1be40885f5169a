package execution

import (
	"fmt"
	"time"
)

// Mutation is the named subset of attributes a write overlays onto a stored
// execution. Nil fields are left untouched.
type Mutation struct {
	Status *Status
	// ExecutionTimeout is the deadline for Status. It is required when Status
	// carries a timeout and is removed when Status does not.
	ExecutionTimeout *time.Time

	RegisteredAt *time.Time
	DispatchedAt *time.Time
	CompletedAt  *time.Time

	RunID                 *string
	ControlStatus         *ControlStatus
	HasFindings           *bool
	UploadFindingsStatus  *string
	PlanItemsWithFindings []string
	ErrorBody             *string
	Stderr                *string
	JobOutput             map[string]any
	AdditionalAttributes  map[string]any
	// AppendErrors are appended to the stored errors.
	AppendErrors []ExecutionError

	IncrementRetryCount     bool
	UpdateExecutionAttempts *int
}

// IsEmpty reports whether the mutation changes nothing.
func (m Mutation) IsEmpty() bool {
	return m.Status == nil && m.ExecutionTimeout == nil && m.RegisteredAt == nil &&
		m.DispatchedAt == nil && m.CompletedAt == nil && m.RunID == nil &&
		m.ControlStatus == nil && m.HasFindings == nil && m.UploadFindingsStatus == nil &&
		m.PlanItemsWithFindings == nil && m.ErrorBody == nil && m.Stderr == nil &&
		m.JobOutput == nil && m.AdditionalAttributes == nil && len(m.AppendErrors) == 0 &&
		!m.IncrementRetryCount && m.UpdateExecutionAttempts == nil
}

// Validate rejects status writes that leave the deadline inconsistent with the status.
func (m Mutation) Validate() error {
	if m.Status == nil {
		return nil
	}
	if m.Status.HasTimeout() && m.ExecutionTimeout == nil {
		return fmt.Errorf("%w: status %s requires an execution timeout", ErrInvalidRequest, *m.Status)
	}
	return nil
}

// Apply overlays m onto e. Entering a status outside the timeout set removes
// the execution timeout in the same write.
func (m Mutation) Apply(e *Execution) {
	if m.Status != nil {
		e.Status = *m.Status
		if m.Status.HasTimeout() {
			e.ExecutionTimeout = clonePtr(m.ExecutionTimeout)
		} else {
			e.ExecutionTimeout = nil
		}
	} else if m.ExecutionTimeout != nil && e.Status.HasTimeout() {
		e.ExecutionTimeout = clonePtr(m.ExecutionTimeout)
	}
	if m.RegisteredAt != nil {
		e.RegisteredAt, e.RegisteredAtTS = Timestamp(*m.RegisteredAt)
	}
	if m.DispatchedAt != nil {
		e.DispatchedAt, e.DispatchedAtTS = Timestamp(*m.DispatchedAt)
	}
	if m.CompletedAt != nil {
		e.CompletedAt, e.CompletedAtTS = Timestamp(*m.CompletedAt)
	}
	if m.RunID != nil {
		e.RunID = *m.RunID
	}
	if m.ControlStatus != nil {
		e.ControlStatus = clonePtr(m.ControlStatus)
	}
	if m.HasFindings != nil {
		e.HasFindings = clonePtr(m.HasFindings)
	}
	if m.UploadFindingsStatus != nil {
		e.UploadFindingsStatus = *m.UploadFindingsStatus
	}
	if m.PlanItemsWithFindings != nil {
		e.PlanItemsWithFindings = append([]string(nil), m.PlanItemsWithFindings...)
	}
	if m.ErrorBody != nil {
		e.ErrorBody = *m.ErrorBody
	}
	if m.Stderr != nil {
		e.Stderr = *m.Stderr
	}
	if m.JobOutput != nil {
		e.JobOutput = cloneMap(m.JobOutput)
	}
	if m.AdditionalAttributes != nil {
		if e.AdditionalAttributes == nil {
			e.AdditionalAttributes = make(map[string]any, len(m.AdditionalAttributes))
		}
		for k, v := range m.AdditionalAttributes {
			e.AdditionalAttributes[k] = v
		}
	}
	if len(m.AppendErrors) > 0 {
		e.Errors = append(e.Errors, m.AppendErrors...)
	}
	if m.IncrementRetryCount {
		e.RetryCount++
	}
	if m.UpdateExecutionAttempts != nil {
		e.UpdateExecutionAttempts = *m.UpdateExecutionAttempts
	}
}

// Condition guards a conditional write. The zero value only requires the
// row to exist.
type Condition struct {
	// StatusIn requires the stored status to be one of the listed statuses.
	StatusIn []Status
	// HasFindingsAbsent requires has_findings to be unset.
	HasFindingsAbsent bool
	// ControlStatusAbsent requires control_status to be unset.
	ControlStatusAbsent bool
}

// StatusCondition returns the condition for entering target from one of its
// allowed predecessors.
func StatusCondition(target Status) Condition {
	return Condition{StatusIn: AllowedPredecessors(target)}
}

// Check reports why e does not satisfy c, or "" when it does.
func (c Condition) Check(e *Execution) string {
	if len(c.StatusIn) > 0 {
		ok := false
		for _, s := range c.StatusIn {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Sprintf("status %s not in %v", e.Status, c.StatusIn)
		}
	}
	if c.HasFindingsAbsent && e.HasFindings != nil {
		return "has_findings already set"
	}
	if c.ControlStatusAbsent && e.ControlStatus != nil {
		return "control_status already set"
	}
	return ""
}
