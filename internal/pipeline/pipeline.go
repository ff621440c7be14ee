// Package pipeline drives the batch passes over the portal's pending work:
// the application worklist (evidence review and provisioning, with operator
// confirmation over chat) and the support ticket triage sweep.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/wirebot-io/wirebot/internal/convo"
	"github.com/wirebot-io/wirebot/internal/journal"
	"github.com/wirebot-io/wirebot/internal/portal"
	"github.com/wirebot-io/wirebot/internal/refdata"
)

// ErrStalled reports a worklist run aborted because consecutive passes
// attempted items without moving any of them forward.
var ErrStalled = errors.New("pipeline: no progress over consecutive passes")

// Defaults for the convergence loop.
const (
	defaultPassDelay   = 2 * time.Second
	defaultStallLimit  = 3
	defaultPromptWait  = 10 * time.Minute
	usernameSuffixMax  = 10
	defaultPasswordFmt = "%s123"
)

// WorklistPortal is the portal surface the worklist runner consumes.
type WorklistPortal interface {
	Worklist(ctx context.Context) ([]portal.WorkItem, error)
	ApplicationDetail(ctx context.Context, detailPath string) (*portal.ApplicationDetail, error)
	MarkVerified(ctx context.Context, tabID, mobileNo string) error
	DeriveUsername(ctx context.Context, firstName, candidate string) (string, error)
	CreateSubscription(ctx context.Context, h portal.HiddenInputs, username string) error
	LookupSubscriber(ctx context.Context, query string) (*portal.Subscriber, error)
	ResetPassword(ctx context.Context, subscriberID, mobileNo string) (portal.PasswordResetResult, error)
}

// Notifier sends chat messages to an operator identity.
type Notifier interface {
	Send(ctx context.Context, identity, text string) error
}

// Waiter suspends until the identity's next chat reply.
type Waiter interface {
	AwaitReply(ctx context.Context, identity string, timeout time.Duration) (convo.Reply, error)
}

// Recorder is the journal surface the pipelines write through.
type Recorder interface {
	Begin(kind string) (int64, error)
	Record(sweepID int64, o journal.Outcome) error
	Finish(sweepID int64, t journal.Totals) error
}

// Runner is the worklist convergence loop.
type Runner struct {
	portal  WorklistPortal
	notify  Notifier
	waiter  Waiter
	codes   *refdata.CodeMap
	journal Recorder
	logger  *slog.Logger

	passDelay  time.Duration
	stallLimit int
	promptWait time.Duration
}

// RunnerOption tunes a Runner.
type RunnerOption func(*Runner)

// WithPassDelay overrides the delay between passes.
func WithPassDelay(d time.Duration) RunnerOption {
	return func(r *Runner) { r.passDelay = d }
}

// WithStallLimit overrides how many non-progressing passes abort the run.
func WithStallLimit(n int) RunnerOption {
	return func(r *Runner) { r.stallLimit = n }
}

// WithPromptWait overrides how long an operator prompt may stay unanswered.
func WithPromptWait(d time.Duration) RunnerOption {
	return func(r *Runner) { r.promptWait = d }
}

// NewRunner builds a worklist runner.
func NewRunner(p WorklistPortal, notify Notifier, waiter Waiter, codes *refdata.CodeMap, rec Recorder, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		portal:     p,
		notify:     notify,
		waiter:     waiter,
		codes:      codes,
		journal:    rec,
		logger:     logger,
		passDelay:  defaultPassDelay,
		stallLimit: defaultStallLimit,
		promptWait: defaultPromptWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Summary tallies one pipeline run for chat reporting.
type Summary struct {
	Processed int
	Closed    int
	Assigned  int
	Skipped   int
	Failed    int
}

func (s Summary) totals() journal.Totals {
	return journal.Totals{
		Processed: s.Processed,
		Closed:    s.Closed,
		Assigned:  s.Assigned,
		Skipped:   s.Skipped,
		Failed:    s.Failed,
	}
}

// Run loops over worklist passes until one finds nothing actionable, then
// returns the cumulative processed count. operator is the chat identity
// confirmation prompts go to; empty means unattended, and items needing a
// human are skipped instead of prompted.
func (r *Runner) Run(ctx context.Context, operator string) (Summary, error) {
	sweepID, err := r.journal.Begin(journal.KindWorklist)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	// terminal remembers items this run skipped or the operator declined,
	// so later passes do not re-prompt for them.
	terminal := make(map[string]bool)
	stalled := 0

	for pass := 1; ; pass++ {
		processed, attempted, err := r.pass(ctx, sweepID, operator, terminal, &sum)
		if err != nil {
			r.journal.Finish(sweepID, sum.totals())
			return sum, err
		}
		r.logger.Info("worklist pass done", "pass", pass, "attempted", attempted, "processed", processed)

		if attempted == 0 {
			// Converged: nothing actionable remains.
			break
		}
		if processed == 0 {
			stalled++
			if stalled >= r.stallLimit {
				r.journal.Finish(sweepID, sum.totals())
				return sum, fmt.Errorf("%w (after %d passes)", ErrStalled, pass)
			}
		} else {
			stalled = 0
		}

		select {
		case <-time.After(r.passDelay):
		case <-ctx.Done():
			r.journal.Finish(sweepID, sum.totals())
			return sum, ctx.Err()
		}
	}

	if err := r.journal.Finish(sweepID, sum.totals()); err != nil {
		r.logger.Warn("journal finish failed", "sweep", sweepID, "error", err)
	}
	return sum, nil
}

// pass runs one listing+dispatch sweep. attempted counts items dispatched to
// a handler; processed counts the ones that moved forward.
func (r *Runner) pass(ctx context.Context, sweepID int64, operator string, terminal map[string]bool, sum *Summary) (processed, attempted int, err error) {
	items, err := r.portal.Worklist(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("pipeline: list worklist: %w", err)
	}

	for _, item := range items {
		if item.Status != portal.ItemSubmitted && item.Status != portal.ItemVerified {
			continue
		}
		// The status is part of the key: a verified item is a different
		// dispatch than the submitted item it used to be.
		key := item.TabID + "/" + item.Status
		if terminal[key] {
			continue
		}
		if ctx.Err() != nil {
			return processed, attempted, ctx.Err()
		}

		attempted++
		var outcome journal.Outcome
		var moved bool
		switch item.Status {
		case portal.ItemSubmitted:
			outcome, moved = r.reviewEvidence(ctx, operator, item)
		case portal.ItemVerified:
			outcome, moved = r.provision(ctx, operator, item)
		}
		outcome.ItemID = item.TabID

		if err := r.journal.Record(sweepID, outcome); err != nil {
			r.logger.Warn("journal record failed", "sweep", sweepID, "item", item.TabID, "error", err)
		}
		sum.Processed++
		switch outcome.Action {
		case journal.ActionVerified, journal.ActionProvisioned:
		case journal.ActionSkipped:
			sum.Skipped++
		case journal.ActionFailed:
			sum.Failed++
		}
		if moved {
			processed++
		} else if outcome.Action == journal.ActionSkipped {
			// Declines and skips are final for this run; failures are
			// retried next pass and bounded by the stall limit.
			terminal[key] = true
		}
	}
	return processed, attempted, nil
}

// reviewEvidence handles a submitted application: auto-verify when the
// evidence artifact is absent, otherwise ask the operator.
func (r *Runner) reviewEvidence(ctx context.Context, operator string, item portal.WorkItem) (journal.Outcome, bool) {
	detail, err := r.portal.ApplicationDetail(ctx, item.DetailPath)
	if err != nil {
		return r.failed(item, "fetch detail", err), false
	}

	if detail.EvidencePresent {
		if operator == "" {
			return journal.Outcome{Action: journal.ActionSkipped, Reason: "evidence review needs an operator"}, false
		}
		prompt := formatApplication(item.TabID, detail) + "\nEvidence is on file. Verify this application? (y/n)"
		if err := r.notify.Send(ctx, operator, prompt); err != nil {
			return r.failed(item, "prompt operator", err), false
		}
		reply, err := r.waiter.AwaitReply(ctx, operator, r.promptWait)
		if err != nil {
			return r.failed(item, "await confirmation", err), false
		}
		if !isYes(reply.Text) {
			return journal.Outcome{Action: journal.ActionSkipped, Reason: "operator declined"}, false
		}
	}

	if err := r.portal.MarkVerified(ctx, item.TabID, detail.MobileNo); err != nil {
		return r.failed(item, "mark verified", err), false
	}
	return journal.Outcome{Action: journal.ActionVerified, Subscriber: detail.Hidden.FirstName}, true
}

// provision handles a verified application: derive an accepted username,
// confirm the name with the operator, create the subscription, and reset the
// fresh account's password.
func (r *Runner) provision(ctx context.Context, operator string, item portal.WorkItem) (journal.Outcome, bool) {
	detail, err := r.portal.ApplicationDetail(ctx, item.DetailPath)
	if err != nil {
		return r.failed(item, "fetch detail", err), false
	}
	if !detail.Hidden.Complete() {
		return journal.Outcome{Action: journal.ActionFailed, Reason: "provisioning fields missing"}, false
	}

	firstName := firstWord(detail.Hidden.FirstName)
	if firstName == "" {
		return journal.Outcome{Action: journal.ActionFailed, Reason: "applicant first name missing"}, false
	}
	code, ok := r.codes.Resolve(detail.AssociatedPartner)
	if !ok {
		return journal.Outcome{Action: journal.ActionSkipped, Reason: fmt.Sprintf("no code for partner %q", detail.AssociatedPartner)}, false
	}

	derived, err := r.deriveUsername(ctx, firstName, code+"."+firstName)
	if err != nil {
		return r.failed(item, "derive username", err), false
	}

	username, outcome, ok := r.chooseUsername(ctx, operator, detail, firstName, derived)
	if !ok {
		return outcome, false
	}

	if err := r.portal.CreateSubscription(ctx, detail.Hidden, username); err != nil {
		return r.failed(item, "create subscription", err), false
	}

	// Account creation leaves the portal-generated password unknown, so a
	// reset to the conventional default follows immediately.
	if sub, err := r.portal.LookupSubscriber(ctx, username); err != nil {
		r.logger.Warn("post-provisioning lookup failed", "username", username, "error", err)
	} else if _, err := r.portal.ResetPassword(ctx, sub.SubscriberID, sub.MobileNo); err != nil {
		r.logger.Warn("post-provisioning password reset failed", "username", username, "error", err)
	} else if operator != "" {
		r.notify.Send(ctx, operator, fmt.Sprintf("Provisioned %s, password %s", username, fmt.Sprintf(defaultPasswordFmt, firstName)))
	}

	return journal.Outcome{Action: journal.ActionProvisioned, Subscriber: username}, true
}

// deriveUsername probes base, base1, base2, ... until the portal accepts one.
// Any rejection envelope counts as "try the next suffix"; the portal does not
// say whether the name collided or failed validation.
func (r *Runner) deriveUsername(ctx context.Context, firstName, base string) (string, error) {
	var lastErr error
	for i := 0; i < usernameSuffixMax; i++ {
		candidate := base
		if i > 0 {
			candidate += strconv.Itoa(i)
		}
		name, err := r.portal.DeriveUsername(ctx, firstName, candidate)
		if err == nil {
			return name, nil
		}
		var se *portal.StatusError
		if !errors.As(err, &se) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("pipeline: no username accepted for %s: %w", base, lastErr)
}

// chooseUsername asks the operator to pick between the on-file name, the
// derived name, and a manually typed one. Unattended runs take the derived
// name.
func (r *Runner) chooseUsername(ctx context.Context, operator string, detail *portal.ApplicationDetail, firstName, derived string) (string, journal.Outcome, bool) {
	if operator == "" {
		return derived, journal.Outcome{}, true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Provisioning %s (partner %s). Pick a username:\n", detail.Hidden.FirstName, detail.AssociatedPartner)
	if detail.ExistingUsername != "" {
		fmt.Fprintf(&b, "1. %s (on file)\n", detail.ExistingUsername)
	}
	fmt.Fprintf(&b, "2. %s (derived)\n", derived)
	b.WriteString("3. type a username")
	if err := r.notify.Send(ctx, operator, b.String()); err != nil {
		return "", journal.Outcome{Action: journal.ActionFailed, Reason: "prompt operator: " + err.Error()}, false
	}

	reply, err := r.waiter.AwaitReply(ctx, operator, r.promptWait)
	if err != nil {
		return "", journal.Outcome{Action: journal.ActionFailed, Reason: "await username choice: " + err.Error()}, false
	}

	choice := strings.TrimSpace(strings.ToLower(reply.Text))
	switch choice {
	case "2", derived:
		return derived, journal.Outcome{}, true
	case "1", detail.ExistingUsername:
		if detail.ExistingUsername == "" {
			return "", journal.Outcome{Action: journal.ActionSkipped, Reason: "no username on file"}, false
		}
		choice = detail.ExistingUsername
	}

	// Manual or on-file names go back through derivation so the portal gets
	// the final say on validity.
	name, err := r.portal.DeriveUsername(ctx, firstName, choice)
	if err != nil {
		return "", journal.Outcome{Action: journal.ActionFailed, Reason: fmt.Sprintf("username %q rejected: %v", choice, err)}, false
	}
	return name, journal.Outcome{}, true
}

func (r *Runner) failed(item portal.WorkItem, op string, err error) journal.Outcome {
	r.logger.Warn("worklist item failed", "item", item.TabID, "op", op, "error", err)
	return journal.Outcome{Action: journal.ActionFailed, Reason: op + ": " + err.Error()}
}

// formatApplication renders the fields an operator needs to review evidence.
func formatApplication(tabID string, detail *portal.ApplicationDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Application %s\n", tabID)
	for _, row := range detail.ProfileRows {
		if row.Value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", row.Name, row.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

func isYes(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "y")
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// String renders the summary for a chat report.
func (s Summary) String() string {
	return fmt.Sprintf("%d processed, %d closed, %d assigned, %d skipped, %d failed",
		s.Processed, s.Closed, s.Assigned, s.Skipped, s.Failed)
}
