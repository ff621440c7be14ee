package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wirebot-io/wirebot/internal/journal"
	"github.com/wirebot-io/wirebot/internal/portal"
	"github.com/wirebot-io/wirebot/internal/refdata"
)

// TriagePortal is the portal surface the ticket sweep consumes.
type TriagePortal interface {
	Tickets(ctx context.Context) ([]portal.TicketRow, error)
	TicketSubscriber(ctx context.Context, viewPath string) (string, error)
	SessionActive(ctx context.Context, subscriberCode string) (bool, error)
	CloseTicket(ctx context.Context, ticketID, response string) error
	AssignTicket(ctx context.Context, ticketID, partnerID string) error
	ReplyTicket(ctx context.Context, ticketID, content string) error
}

// connectivitySubjects are the ticket subjects the session probe can settle.
var connectivitySubjects = []string{
	"no connectivity",
	"wireless network issue",
}

// Canned ticket responses.
const (
	closeResponse  = "Connectivity session is up and passing traffic. Closing; please reopen if the issue persists."
	assignResponse = "Session is down at the subscriber end. Assigning to the local partner for a field check."
)

// Triage is the single-pass support ticket sweep. It never talks to a human.
type Triage struct {
	portal   TriagePortal
	partners refdata.PartnerMap
	journal  Recorder
	logger   *slog.Logger
}

// NewTriage builds a ticket sweep.
func NewTriage(p TriagePortal, partners refdata.PartnerMap, rec Recorder, logger *slog.Logger) *Triage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Triage{portal: p, partners: partners, journal: rec, logger: logger}
}

// Run sweeps the ticket pages once: connectivity tickets whose session probe
// shows an active session are closed; probed-down tickets are assigned to the
// subscriber's partner when the code maps, otherwise skipped.
func (t *Triage) Run(ctx context.Context) (Summary, error) {
	sweepID, err := t.journal.Begin(journal.KindTicketSweep)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	tickets, err := t.portal.Tickets(ctx)
	if err != nil {
		t.journal.Finish(sweepID, sum.totals())
		return sum, fmt.Errorf("pipeline: list tickets: %w", err)
	}

	for _, tk := range tickets {
		if tk.Status != portal.TicketOpen {
			continue
		}
		if ctx.Err() != nil {
			t.journal.Finish(sweepID, sum.totals())
			return sum, ctx.Err()
		}

		outcome := t.triageTicket(ctx, tk)
		outcome.ItemID = tk.ID
		outcome.Subject = tk.Subject
		if err := t.journal.Record(sweepID, outcome); err != nil {
			t.logger.Warn("journal record failed", "sweep", sweepID, "ticket", tk.ID, "error", err)
		}

		sum.Processed++
		switch outcome.Action {
		case journal.ActionClosed:
			sum.Closed++
		case journal.ActionAssigned:
			sum.Assigned++
		case journal.ActionSkipped:
			sum.Skipped++
		case journal.ActionFailed:
			sum.Failed++
		}
	}

	if err := t.journal.Finish(sweepID, sum.totals()); err != nil {
		t.logger.Warn("journal finish failed", "sweep", sweepID, "error", err)
	}
	return sum, nil
}

func (t *Triage) triageTicket(ctx context.Context, tk portal.TicketRow) journal.Outcome {
	if !isConnectivitySubject(tk.Subject) {
		return journal.Outcome{Action: journal.ActionSkipped, Reason: "subject not auto-closable"}
	}

	subscriber, err := t.portal.TicketSubscriber(ctx, tk.ViewPath)
	if err != nil {
		t.logger.Warn("ticket subscriber lookup failed", "ticket", tk.ID, "error", err)
		return journal.Outcome{Action: journal.ActionFailed, Reason: "subscriber lookup: " + err.Error()}
	}

	active, err := t.portal.SessionActive(ctx, subscriber)
	if err != nil {
		t.logger.Warn("session probe failed", "ticket", tk.ID, "subscriber", subscriber, "error", err)
		return journal.Outcome{Action: journal.ActionFailed, Subscriber: subscriber, Reason: "session probe: " + err.Error()}
	}

	if active {
		if err := t.portal.CloseTicket(ctx, tk.ID, closeResponse); err != nil {
			return journal.Outcome{Action: journal.ActionFailed, Subscriber: subscriber, Reason: "close: " + err.Error()}
		}
		return journal.Outcome{Action: journal.ActionClosed, Subscriber: subscriber, Reason: "session active"}
	}

	// Session really is down. Hand the ticket to the subscriber's partner
	// when the code prefix maps to one.
	partner, ok := t.partners[partnerCode(subscriber)]
	if !ok {
		return journal.Outcome{Action: journal.ActionSkipped, Subscriber: subscriber, Reason: "session down, no partner mapping"}
	}
	if err := t.portal.AssignTicket(ctx, tk.ID, partner.PartnerID); err != nil {
		return journal.Outcome{Action: journal.ActionFailed, Subscriber: subscriber, Reason: "assign: " + err.Error()}
	}
	if err := t.portal.ReplyTicket(ctx, tk.ID, assignResponse); err != nil {
		t.logger.Warn("ticket reply failed after assignment", "ticket", tk.ID, "error", err)
	}
	return journal.Outcome{Action: journal.ActionAssigned, Subscriber: subscriber, Reason: "assigned to " + partner.PartnerName}
}

func isConnectivitySubject(subject string) bool {
	s := strings.ToLower(subject)
	for _, want := range connectivitySubjects {
		if strings.Contains(s, want) {
			return true
		}
	}
	return false
}

// partnerCode strips the subscriber's own segment off a hierarchical code
// (st.area.person -> st.area).
func partnerCode(subscriberCode string) string {
	code := strings.ToLower(strings.TrimSpace(subscriberCode))
	if i := strings.LastIndex(code, "."); i > 0 {
		return code[:i]
	}
	return code
}
