// Package playbook runs declarative response playbooks: a step state
// machine over actions, approvals, delays, conditions, notifications,
// and external workflow hand-offs. Execution state is persisted before
// control returns, so a parked execution survives a restart.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// ErrInvalidState rejects a transition the execution state machine does
// not admit: resume on a non-waiting execution, cancel on a terminal
// one, a decision on a settled approval. Nothing changes on rejection.
var ErrInvalidState = errors.New("invalid execution state")

const (
	// maxDelay caps the delay step. Longer waits belong to an external
	// scheduler.
	maxDelay = 300 * time.Second

	defaultApprovalTimeoutHours = 24

	notifyTimeout = 30 * time.Second
)

// Step result statuses.
const (
	resultSuccess  = "success"
	resultFailed   = "failed"
	resultApproved = "approved"
	resultDenied   = "denied"
)

// Engine executes playbooks against the action, notifier, and workflow
// registries.
type Engine struct {
	store     Store
	actions   *ActionRegistry
	notifiers *NotifierRegistry
	workflows WorkflowRunner
	logger    *slog.Logger
}

// NewEngine wires the engine. workflows may be nil when no external
// workflow system is configured; workflow steps then fail.
func NewEngine(store Store, actions *ActionRegistry, notifiers *NotifierRegistry, workflows WorkflowRunner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		actions:   actions,
		notifiers: notifiers,
		workflows: workflows,
		logger:    logger.With("component", "playbook_engine"),
	}
}

// Execute starts a new execution of a stored playbook and drives it
// until it reaches a terminal state or parks on an approval.
func (e *Engine) Execute(ctx context.Context, playbookID, tenant string, input map[string]any) (*models.PlaybookExecution, error) {
	pb, err := e.store.GetPlaybook(ctx, playbookID)
	if err != nil {
		return nil, err
	}
	if !pb.Enabled {
		return nil, fmt.Errorf("playbook %s is disabled", playbookID)
	}
	if len(pb.Steps) == 0 {
		return nil, fmt.Errorf("playbook %s has no steps", playbookID)
	}

	exec := &models.PlaybookExecution{
		ID:            uuid.NewString(),
		PlaybookID:    pb.ID,
		Status:        models.ExecutionPending,
		CurrentStepID: pb.Steps[0].ID,
		Input:         input,
		Tenant:        tenant,
		StartedAt:     time.Now().UTC(),
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.logger.Info("Playbook execution started",
		"execution_id", exec.ID, "playbook_id", pb.ID, "tenant", tenant)
	if err := e.run(ctx, pb, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// ResumeExecution applies an approval decision to a waiting execution
// and drives it onward. A lapsed approval counts as a denial.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string, approved bool, comment, decidedBy string) (*models.PlaybookExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionWaitingApproval {
		return nil, fmt.Errorf("%w: execution %s is %s, not waiting for approval",
			ErrInvalidState, executionID, exec.Status)
	}
	pb, err := e.store.GetPlaybook(ctx, exec.PlaybookID)
	if err != nil {
		return nil, err
	}
	ap, err := e.store.PendingApproval(ctx, executionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if now.After(ap.ExpiresAt) {
		approved = false
		ap.Status = models.ApprovalExpired
	} else if approved {
		ap.Status = models.ApprovalApproved
	} else {
		ap.Status = models.ApprovalDenied
	}
	ap.DecidedBy = decidedBy
	ap.Comment = comment
	ap.DecidedAt = now
	if err := e.store.SaveApproval(ctx, ap); err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	if err := e.continueAfterApproval(ctx, pb, exec, ap, approved); err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel stops a non-terminal execution. A pending approval on it
// lapses.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: execution %s already %s", ErrInvalidState, executionID, exec.Status)
	}

	if exec.Status == models.ExecutionWaitingApproval {
		if ap, err := e.store.PendingApproval(ctx, executionID); err == nil {
			ap.Status = models.ApprovalExpired
			ap.DecidedAt = time.Now().UTC()
			if err := e.store.SaveApproval(ctx, ap); err != nil {
				return fmt.Errorf("failed to lapse approval: %w", err)
			}
		}
	}

	exec.Status = models.ExecutionCancelled
	exec.CompletedAt = time.Now().UTC()
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}
	e.logger.Info("Playbook execution cancelled", "execution_id", executionID)
	return nil
}

// ExpireApprovals sweeps lapsed pending approvals, denying their
// executions. Returns how many were expired.
func (e *Engine) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := e.store.ExpiredApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, ap := range lapsed {
		ap.Status = models.ApprovalExpired
		ap.DecidedAt = now
		if err := e.store.SaveApproval(ctx, ap); err != nil {
			return 0, fmt.Errorf("failed to expire approval %s: %w", ap.ID, err)
		}

		exec, err := e.store.GetExecution(ctx, ap.ExecutionID)
		if err != nil {
			return 0, err
		}
		if exec.Status != models.ExecutionWaitingApproval {
			continue
		}
		pb, err := e.store.GetPlaybook(ctx, exec.PlaybookID)
		if err != nil {
			return 0, err
		}
		if err := e.continueAfterApproval(ctx, pb, exec, ap, false); err != nil {
			return 0, err
		}
		e.logger.Info("Approval expired, execution denied",
			"execution_id", exec.ID, "step_id", ap.StepID)
	}
	return len(lapsed), nil
}

func (e *Engine) continueAfterApproval(ctx context.Context, pb *models.Playbook, exec *models.PlaybookExecution, ap *models.Approval, approved bool) error {
	step := findStep(pb, ap.StepID)
	if step == nil {
		return e.fail(ctx, exec, fmt.Sprintf("unknown step %q", ap.StepID))
	}

	status := resultDenied
	if approved {
		status = resultApproved
	}
	exec.StepResults = append(exec.StepResults, models.StepResult{
		StepID:    step.ID,
		Status:    status,
		Output:    map[string]any{"approved": approved, "decided_by": ap.DecidedBy},
		StartedAt: ap.DecidedAt,
		EndedAt:   ap.DecidedAt,
	})

	if !approved {
		if step.OnDeny == "" {
			return e.fail(ctx, exec, "Approval denied")
		}
		exec.CurrentStepID = step.OnDeny
		return e.run(ctx, pb, exec)
	}

	exec.CurrentStepID = step.OnApprove
	if exec.CurrentStepID == "" {
		exec.CurrentStepID = successor(pb, step)
	}
	return e.run(ctx, pb, exec)
}

// run drives the execution from its current step until it terminates
// or parks. State is saved after every step.
func (e *Engine) run(ctx context.Context, pb *models.Playbook, exec *models.PlaybookExecution) error {
	exec.Status = models.ExecutionRunning
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	for exec.CurrentStepID != "" {
		step := findStep(pb, exec.CurrentStepID)
		if step == nil {
			return e.fail(ctx, exec, fmt.Sprintf("unknown step %q", exec.CurrentStepID))
		}

		if step.Type == models.StepApproval {
			return e.parkOnApproval(ctx, exec, step)
		}

		result, branch := e.dispatch(ctx, exec, step)
		exec.StepResults = append(exec.StepResults, result)

		if result.Status == resultFailed {
			if step.OnFailure == "" {
				return e.fail(ctx, exec, result.Error)
			}
			exec.CurrentStepID = step.OnFailure
		} else {
			switch {
			case branch != "":
				exec.CurrentStepID = branch
			case step.OnSuccess != "":
				exec.CurrentStepID = step.OnSuccess
			default:
				exec.CurrentStepID = successor(pb, step)
			}
		}
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return fmt.Errorf("failed to save execution: %w", err)
		}
	}

	exec.Status = models.ExecutionCompleted
	exec.CompletedAt = time.Now().UTC()
	if n := len(exec.StepResults); n > 0 {
		exec.Output = exec.StepResults[n-1].Output
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	e.logger.Info("Playbook execution completed",
		"execution_id", exec.ID, "steps", len(exec.StepResults))
	return nil
}

// dispatch runs one non-approval step. The returned branch is non-empty
// only for condition steps.
func (e *Engine) dispatch(ctx context.Context, exec *models.PlaybookExecution, step *models.Step) (models.StepResult, string) {
	started := time.Now().UTC()
	scope := executionScope(exec)
	params, _ := Resolve(step.Params, scope).(map[string]any)

	var (
		output map[string]any
		branch string
		err    error
	)
	switch step.Type {
	case models.StepAction:
		output, err = e.runAction(ctx, params, exec.Tenant)
	case models.StepDelay:
		err = e.runDelay(ctx, params)
	case models.StepCondition:
		branch, err = e.runCondition(params, scope)
		output = map[string]any{"branch": branch}
	case models.StepNotification:
		e.runNotification(step.ID, params)
	case models.StepWorkflow:
		output, err = e.runWorkflow(ctx, params)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}

	result := models.StepResult{
		StepID:    step.ID,
		Status:    resultSuccess,
		Output:    output,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
	if err != nil {
		result.Status = resultFailed
		result.Error = err.Error()
		e.logger.Warn("Playbook step failed",
			"execution_id", exec.ID, "step_id", step.ID, "error", err)
	}
	return result, branch
}

func (e *Engine) runAction(ctx context.Context, params map[string]any, tenant string) (map[string]any, error) {
	name, _ := params["action"].(string)
	if name == "" {
		return nil, fmt.Errorf("action step has no action name")
	}
	return e.actions.Run(ctx, name, params, tenant)
}

func (e *Engine) runDelay(ctx context.Context, params map[string]any) error {
	seconds, ok := asFloat(params["seconds"])
	if !ok || seconds < 0 {
		return fmt.Errorf("delay step has no valid seconds")
	}
	d := time.Duration(seconds * float64(time.Second))
	if d > maxDelay {
		e.logger.Warn("Delay capped", "requested", d, "cap", maxDelay)
		d = maxDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runCondition(params map[string]any, scope map[string]any) (string, error) {
	clauses, err := decodeClauses(params["clauses"])
	if err != nil {
		return "", err
	}
	defaultBranch, _ := params["default"].(string)
	return evalClauses(clauses, defaultBranch, scope)
}

// runNotification fires and forgets: delivery failure is logged, never
// surfaced into the execution.
func (e *Engine) runNotification(stepID string, params map[string]any) {
	channel, _ := params["channel"].(string)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.notifiers.Notify(ctx, channel, params); err != nil {
			e.logger.Warn("Notification failed", "step_id", stepID, "channel", channel, "error", err)
		}
	}()
}

func (e *Engine) runWorkflow(ctx context.Context, params map[string]any) (map[string]any, error) {
	if e.workflows == nil {
		return nil, fmt.Errorf("no workflow runner configured")
	}
	name, _ := params["workflow"].(string)
	if name == "" {
		return nil, fmt.Errorf("workflow step has no workflow name")
	}
	return e.workflows.Run(ctx, name, params)
}

func (e *Engine) parkOnApproval(ctx context.Context, exec *models.PlaybookExecution, step *models.Step) error {
	timeoutHours, ok := asFloat(step.Params["timeout_hours"])
	if !ok || timeoutHours <= 0 {
		timeoutHours = defaultApprovalTimeoutHours
	}

	ap := &models.Approval{
		ID:                uuid.NewString(),
		ExecutionID:       exec.ID,
		StepID:            step.ID,
		Status:            models.ApprovalPending,
		RequiredApprovers: stringList(step.Params["required_approvers"]),
		ExpiresAt:         time.Now().UTC().Add(time.Duration(timeoutHours * float64(time.Hour))),
		Context:           exec.Input,
	}
	if err := e.store.SaveApproval(ctx, ap); err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	exec.Status = models.ExecutionWaitingApproval
	exec.CurrentStepID = step.ID
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to park execution: %w", err)
	}
	e.logger.Info("Playbook execution waiting for approval",
		"execution_id", exec.ID, "step_id", step.ID, "expires_at", ap.ExpiresAt)
	return nil
}

func (e *Engine) fail(ctx context.Context, exec *models.PlaybookExecution, reason string) error {
	exec.Status = models.ExecutionFailed
	exec.Error = reason
	exec.CompletedAt = time.Now().UTC()
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	e.logger.Warn("Playbook execution failed", "execution_id", exec.ID, "error", reason)
	return nil
}

// executionScope exposes the execution input and prior step outputs to
// templates and conditions.
func executionScope(exec *models.PlaybookExecution) map[string]any {
	steps := make(map[string]any, len(exec.StepResults))
	for _, r := range exec.StepResults {
		steps[r.StepID] = r.Output
	}
	return map[string]any{
		"input": toAnyMap(exec.Input),
		"steps": steps,
	}
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func findStep(pb *models.Playbook, id string) *models.Step {
	for i := range pb.Steps {
		if pb.Steps[i].ID == id {
			return &pb.Steps[i]
		}
	}
	return nil
}

// successor is the step declared after this one; empty at the end of
// the playbook.
func successor(pb *models.Playbook, step *models.Step) string {
	for i := range pb.Steps {
		if pb.Steps[i].ID == step.ID && i+1 < len(pb.Steps) {
			return pb.Steps[i+1].ID
		}
	}
	return ""
}

func decodeClauses(raw any) ([]Clause, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("condition step has no clauses")
	}
	clauses := make([]Clause, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition clause is not a map")
		}
		c := Clause{Value: m["value"]}
		c.Field, _ = m["field"].(string)
		c.Op, _ = m["op"].(string)
		c.Branch, _ = m["branch"].(string)
		clauses = append(clauses, c)
	}
	return clauses, nil
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
