// Package dispatch hands admitted tasks to the executor and correlates their
// terminal results back into the registry, the trust store, and the escrow
// contract.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentbridge/bridge/internal/escrow"
	"github.com/agentbridge/bridge/internal/executor"
	"github.com/agentbridge/bridge/internal/metrics"
	"github.com/agentbridge/bridge/internal/task"
	"github.com/agentbridge/bridge/internal/trust"
)

// PaymentError carries the escrow contract's rejection reason verbatim; the
// HTTP layer surfaces it as a 402 body.
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("escrow validation failed: %s", e.Reason)
}

const (
	confirmAttempts    = 5
	confirmBackoffBase = time.Second
)

// Dispatcher coordinates one task from admission to terminal record.
type Dispatcher struct {
	registry    *task.Registry
	exec        executor.Executor
	escrow      escrow.Client // nil when no escrow is configured
	trust       *trust.Store
	providerDID string
	logger      *slog.Logger

	backoffBase time.Duration
}

// New wires a dispatcher. escrowClient may be nil.
func New(registry *task.Registry, exec executor.Executor, escrowClient escrow.Client, trustStore *trust.Store, providerDID string) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		exec:        exec,
		escrow:      escrowClient,
		trust:       trustStore,
		providerDID: providerDID,
		logger:      slog.Default().With("component", "dispatch"),
		backoffBase: confirmBackoffBase,
	}
}

// EscrowConfigured reports whether an escrow collaborator is wired.
func (d *Dispatcher) EscrowConfigured() bool {
	return d.escrow != nil
}

// ValidateEscrow is the admission pipeline's payment gate. It runs before
// any state mutation; a rejection surfaces as PaymentError.
func (d *Dispatcher) ValidateEscrow(ctx context.Context, sub *task.Submission) error {
	if d.escrow == nil || sub.EscrowRef == "" {
		return nil
	}
	res, err := d.escrow.Validate(ctx, sub.EscrowRef, d.providerDID)
	if err != nil {
		metrics.EscrowValidations.WithLabelValues("error").Inc()
		return &PaymentError{Reason: err.Error()}
	}
	if !res.Valid {
		metrics.EscrowValidations.WithLabelValues("invalid").Inc()
		return &PaymentError{Reason: res.Reason}
	}
	metrics.EscrowValidations.WithLabelValues("valid").Inc()
	return nil
}

// Dispatch runs the task asynchronously. The handle's notifier was armed at
// admission, so even an instant completion reaches a synchronous waiter.
// limits caps the stored output per the caller's trust tier.
func (d *Dispatcher) Dispatch(sub *task.Submission, limits trust.Limits) {
	go d.run(sub, limits)
}

func (d *Dispatcher) run(sub *task.Submission, limits trust.Limits) {
	res := d.exec.Execute(context.Background(), sub)

	rec := &task.Completed{
		Status:     res.Status,
		Output:     limits.TruncateOutput(res.Output),
		Error:      res.Error,
		DurationMS: res.DurationMS,
	}

	if !d.registry.Complete(sub.TaskID, rec) {
		// Already terminal (cancelled while we were finishing).
		return
	}
	metrics.TasksCompleted.WithLabelValues(string(res.Status)).Inc()
	metrics.TaskDuration.Observe(float64(res.DurationMS))

	d.trust.RecordOutcome(sub.ClientIdentity, res.Status == task.StatusCompleted)

	if res.Status == task.StatusCompleted && d.escrow != nil && sub.EscrowRef != "" {
		// Best-effort: the caller already has their result; a delivery
		// confirmation failure must never surface.
		go d.confirmDelivery(sub.TaskID, sub.EscrowRef, rec.Output)
	}
}

// confirmDelivery retries with exponential backoff (base 1s, x2, 5 attempts).
func (d *Dispatcher) confirmDelivery(taskID, ref, output string) {
	hash := escrow.HashOutput(output)
	backoff := d.backoffBase
	for attempt := 1; attempt <= confirmAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		txRef, err := d.escrow.ConfirmDelivery(ctx, ref, hash)
		cancel()
		if err == nil {
			d.logger.Info("escrow delivery confirmed", "task_id", taskID, "escrow_ref", ref, "tx", txRef)
			return
		}
		d.logger.Warn("escrow delivery confirmation failed",
			"task_id", taskID, "escrow_ref", ref, "attempt", attempt, "error", err)
		if attempt < confirmAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	d.logger.Error("escrow delivery confirmation abandoned", "task_id", taskID, "escrow_ref", ref)
}

// Cancel enforces the owner gate, instructs the executor to stop the task,
// and transitions it to a cancelled record. Cancelling a terminal task is
// task.ErrNotCancellable.
func (d *Dispatcher) Cancel(taskID, requester string) error {
	sub, err := d.registry.PendingSubmission(taskID, requester)
	if err != nil {
		return err
	}

	d.exec.Cancel(taskID)

	rec := &task.Completed{Status: task.StatusCancelled}
	if d.registry.Complete(taskID, rec) {
		metrics.TasksCompleted.WithLabelValues(string(task.StatusCancelled)).Inc()
		d.trust.RecordOutcome(sub.ClientIdentity, false)
	}
	return nil
}
