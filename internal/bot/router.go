// Package bot routes inbound chat messages to account actions, batch sweeps,
// and multi-turn flows. One identity runs at most one flow at a time; replies
// inside a flow are matched by the conversation coordinator, everything else
// is treated as a fresh command.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wirebot-io/wirebot/internal/connector"
	"github.com/wirebot-io/wirebot/internal/convo"
	"github.com/wirebot-io/wirebot/internal/helpdesk"
	"github.com/wirebot-io/wirebot/internal/pipeline"
	"github.com/wirebot-io/wirebot/internal/portal"
	"github.com/wirebot-io/wirebot/internal/refdata"
)

// Command keywords, matched case-insensitively against the whole message.
const (
	cmdTicketSweep = "ticketsweep"
	cmdWorklist    = "worklist"
	cmdPlanChange  = "planchange"
	cmdNewIncident = "newincident"
	cmdComplaint   = "complaint"
)

// Free-form message patterns.
var (
	// reCode matches a hierarchical subscriber code (st.area.person...).
	reCode = regexp.MustCompile(`[a-z]{2}(\.\w+){2,}`)
	// reSubscriberID matches a bare 5-digit subscriber id.
	reSubscriberID = regexp.MustCompile(`\b\d{5}\b`)

	// reStreaming flags a streaming-service complaint.
	reStreaming = regexp.MustCompile(`\b(hotstar|zee5|sony|amazon|alt|jio|saavn|ott)\b`)

	// Action keyword sets, typo variants included: field staff type these
	// from phones.
	reSessionReset  = regexp.MustCompile(`\b(season|session|ip reset|mac)\b`)
	reReactivate    = regexp.MustCompile(`\b(reactive|reactivate|inactive)\b`)
	rePasswordReset = regexp.MustCompile(`\b(reset|risat|resat|resert|risit|rest|reser|riset)\b`)
)

// ActionPortal is the portal surface the router's direct actions use.
type ActionPortal interface {
	SearchSubscriber(ctx context.Context, query string) ([]portal.SubscriberRow, error)
	LookupSubscriber(ctx context.Context, query string) (*portal.Subscriber, error)
	ResetSession(ctx context.Context, username string) (bool, error)
	ResetPassword(ctx context.Context, subscriberID, mobileNo string) (portal.PasswordResetResult, error)
	ReactivateID(ctx context.Context, subscriberID string) (bool, error)
	PlanForm(ctx context.Context, detailPath string) (portal.PlanForm, error)
	ChangePlan(ctx context.Context, f portal.PlanForm, username, newPkgID string) error
}

// Sweeper runs the unattended ticket sweep.
type Sweeper interface {
	Run(ctx context.Context) (pipeline.Summary, error)
}

// Worklister runs the worklist pipeline for an operator.
type Worklister interface {
	Run(ctx context.Context, operator string) (pipeline.Summary, error)
}

// ComplaintDesk is the streaming-complaint API surface.
type ComplaintDesk interface {
	FindComplaint(ctx context.Context, number int) (*helpdesk.Complaint, error)
	Register(ctx context.Context, r helpdesk.Registration) (*helpdesk.Complaint, error)
}

// IncidentDesk is the incident-creation surface.
type IncidentDesk interface {
	Login(ctx context.Context) (*http.Cookie, error)
	CreateIncident(ctx context.Context, session *http.Cookie, subject, description string) error
	LatestIncident(ctx context.Context, session *http.Cookie) (string, error)
}

// Sender delivers outbound chat messages.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Config tunes the router.
type Config struct {
	// IgnoreGroup names a group chat whose traffic is dropped entirely.
	IgnoreGroup string
	// DefaultService is the streaming service stamped on auto-registered
	// complaints.
	DefaultService string
	// PromptWait bounds how long a flow waits for an operator reply.
	PromptWait time.Duration
}

// Router dispatches inbound messages.
type Router struct {
	cfg       Config
	sender    Sender
	convo     *convo.Coordinator
	portal    ActionPortal
	directory *refdata.Directory
	desk      ComplaintDesk
	incidents IncidentDesk
	sweeper   Sweeper
	worklist  Worklister
	logger    *slog.Logger
	startedAt time.Time

	mu      sync.Mutex
	inFlow  map[string]bool
	pending map[string]string // identity -> subscriber code or id
}

// New builds a router. startedAt gates out messages delivered from history.
func New(cfg Config, sender Sender, coord *convo.Coordinator, p ActionPortal, dir *refdata.Directory, desk ComplaintDesk, incidents IncidentDesk, sweeper Sweeper, worklist Worklister, startedAt time.Time, logger *slog.Logger) *Router {
	if cfg.PromptWait <= 0 {
		cfg.PromptWait = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		sender:    sender,
		convo:     coord,
		portal:    p,
		directory: dir,
		desk:      desk,
		incidents: incidents,
		sweeper:   sweeper,
		worklist:  worklist,
		logger:    logger,
		startedAt: startedAt,
		inFlow:    make(map[string]bool),
		pending:   make(map[string]string),
	}
}

// HandleInbound routes one message. Long flows run on their own goroutine so
// the connector can keep delivering the replies they wait for.
func (r *Router) HandleInbound(ctx context.Context, msg connector.InboundMessage) error {
	if !msg.SentAt.IsZero() && msg.SentAt.Before(r.startedAt) {
		return nil
	}
	if r.cfg.IgnoreGroup != "" && msg.ChatTitle == r.cfg.IgnoreGroup {
		return nil
	}

	identity := msg.SenderID
	text := strings.ToLower(strings.TrimSpace(msg.Content))

	// A pending exchange owns this identity's next message outright.
	if r.convo.Deliver(identity, strings.TrimSpace(msg.Content)) {
		return nil
	}

	switch text {
	case cmdTicketSweep:
		r.spawnFlow(identity, msg.ChatID, "ticket sweep", func(ctx context.Context) error {
			return r.runTicketSweep(ctx, msg.ChatID)
		})
		return nil
	case cmdWorklist:
		r.spawnFlow(identity, msg.ChatID, "worklist", func(ctx context.Context) error {
			return r.runWorklist(ctx, identity, msg.ChatID)
		})
		return nil
	case cmdPlanChange:
		r.spawnFlow(identity, msg.ChatID, "plan change", func(ctx context.Context) error {
			return r.planChange(ctx, identity, msg.ChatID)
		})
		return nil
	case cmdNewIncident:
		r.spawnFlow(identity, msg.ChatID, "new incident", func(ctx context.Context) error {
			return r.createIncident(ctx, identity, msg.ChatID)
		})
		return nil
	case cmdComplaint:
		r.spawnFlow(identity, msg.ChatID, "complaint status", func(ctx context.Context) error {
			return r.complaintStatus(ctx, identity, msg.ChatID)
		})
		return nil
	}

	// Free-form: a code or id seeds the identity's pending context.
	if code := reCode.FindString(text); code != "" {
		r.setPending(identity, code)
	} else if id := reSubscriberID.FindString(text); id != "" {
		r.setPending(identity, id)
	}

	if reStreaming.MatchString(text) {
		if code, ok := r.takePending(identity); ok {
			r.spawnFlow(identity, msg.ChatID, "streaming complaint", func(ctx context.Context) error {
				return r.registerStreamingComplaint(ctx, msg.ChatID, code)
			})
		}
		return nil
	}

	wantSession := reSessionReset.MatchString(text)
	wantReactivate := reReactivate.MatchString(text)
	wantPassword := rePasswordReset.MatchString(text)
	if wantSession || wantReactivate || wantPassword {
		if code, ok := r.takePending(identity); ok {
			r.spawnFlow(identity, msg.ChatID, "account actions", func(ctx context.Context) error {
				return r.runActions(ctx, msg.ChatID, code, wantSession, wantReactivate, wantPassword)
			})
		}
	}
	return nil
}

func (r *Router) setPending(identity, code string) {
	r.mu.Lock()
	r.pending[identity] = code
	r.mu.Unlock()
}

func (r *Router) takePending(identity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.pending[identity]
	if ok {
		delete(r.pending, identity)
	}
	return code, ok
}

// spawnFlow runs fn on its own goroutine under the per-identity flow guard.
func (r *Router) spawnFlow(identity, chatID, name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.inFlow[identity] {
		r.mu.Unlock()
		r.send(context.Background(), chatID, "Another request is still running; finish or wait for it first.")
		return
	}
	r.inFlow[identity] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("flow panicked", "flow", name, "identity", identity, "panic", rec)
			}
			r.mu.Lock()
			delete(r.inFlow, identity)
			r.mu.Unlock()
			r.convo.Cancel(identity)
		}()
		if err := fn(context.Background()); err != nil {
			r.logger.Warn("flow failed", "flow", name, "identity", identity, "error", err)
		}
	}()
}

func (r *Router) send(ctx context.Context, chatID, text string) {
	if err := r.sender.Send(ctx, chatID, text); err != nil {
		r.logger.Warn("send failed", "chat", chatID, "error", err)
	}
}

// ask sends a prompt and waits for the identity's reply.
func (r *Router) ask(ctx context.Context, identity, chatID, prompt string) (string, error) {
	r.send(ctx, chatID, prompt)
	reply, err := r.convo.AwaitReply(ctx, identity, r.cfg.PromptWait)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Text), nil
}

func (r *Router) runTicketSweep(ctx context.Context, chatID string) error {
	r.send(ctx, chatID, "Sweeping the ticket queue...")
	sum, err := r.sweeper.Run(ctx)
	if err != nil {
		r.send(ctx, chatID, "Ticket sweep failed, see logs.")
		return err
	}
	r.send(ctx, chatID, "Ticket sweep done: "+sum.String())
	return nil
}

func (r *Router) runWorklist(ctx context.Context, identity, chatID string) error {
	r.send(ctx, chatID, "Working through the application worklist...")
	sum, err := r.worklist.Run(ctx, identity)
	if err != nil {
		r.send(ctx, chatID, "Worklist run failed, see logs.")
		return err
	}
	r.send(ctx, chatID, "Worklist done: "+sum.String())
	return nil
}

// runActions executes the requested one-shot account actions against the
// pending subscriber and reports each outcome on one line.
func (r *Router) runActions(ctx context.Context, chatID, code string, wantSession, wantReactivate, wantPassword bool) error {
	sub, err := r.resolveSubscriber(ctx, code)
	if err != nil {
		r.send(ctx, chatID, "Incorrect ID: "+code)
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\nID: %s", titleCase(sub.Name), code)

	if wantSession {
		if ok, err := r.portal.ResetSession(ctx, sub.Username); err == nil && ok {
			b.WriteString("\nSession cleared ✅")
		} else {
			if err != nil {
				r.logger.Warn("session reset failed", "subscriber", sub.Username, "error", err)
			}
			b.WriteString("\nSession not active ❌")
		}
	}
	if wantReactivate {
		if ok, err := r.portal.ReactivateID(ctx, sub.SubscriberID); err == nil && ok {
			b.WriteString("\nActivated ✅")
		} else {
			if err != nil {
				r.logger.Warn("reactivation failed", "subscriber", sub.SubscriberID, "error", err)
			}
			b.WriteString("\nFailed to activate ❌")
		}
	}
	if wantPassword {
		res, err := r.portal.ResetPassword(ctx, sub.SubscriberID, sub.MobileNo)
		if err == nil && res.Both() {
			first := strings.ToLower(firstWord(sub.Name))
			fmt.Fprintf(&b, "\nDefault password: %s123\nPassword reset ✅", first)
		} else {
			if err != nil {
				r.logger.Warn("password reset failed", "subscriber", sub.SubscriberID, "error", err)
			}
			b.WriteString("\nPassword reset failed ❌")
		}
	}

	r.send(ctx, chatID, b.String())
	return nil
}

// resolveSubscriber tries the local directory first and falls back to a
// portal search.
func (r *Router) resolveSubscriber(ctx context.Context, code string) (*portal.Subscriber, error) {
	if r.directory != nil {
		if u, ok := r.directory.ByUsername(code); ok {
			return &portal.Subscriber{Username: u.Username, MobileNo: u.MobileNo, SubscriberID: u.SubscriberID, Name: u.Name}, nil
		}
		if u, ok := r.directory.ByID(code); ok {
			return &portal.Subscriber{Username: u.Username, MobileNo: u.MobileNo, SubscriberID: u.SubscriberID, Name: u.Name}, nil
		}
	}
	return r.portal.LookupSubscriber(ctx, code)
}

// planChange walks an operator through moving a subscription to a new
// package.
func (r *Router) planChange(ctx context.Context, identity, chatID string) error {
	username, err := r.ask(ctx, identity, chatID, "Username:")
	if err != nil {
		return err
	}
	if username == "" {
		r.send(ctx, chatID, "Username cannot be empty.")
		return nil
	}
	pkgID, err := r.ask(ctx, identity, chatID, "Package ID:")
	if err != nil {
		return err
	}
	if pkgID == "" {
		r.send(ctx, chatID, "Package ID cannot be empty.")
		return nil
	}

	rows, err := r.portal.SearchSubscriber(ctx, username)
	if err != nil {
		r.send(ctx, chatID, "Subscriber search failed, see logs.")
		return err
	}
	if len(rows) == 0 {
		r.send(ctx, chatID, fmt.Sprintf("No users found matching %q", username))
		return nil
	}

	row, err := r.selectRow(ctx, identity, chatID, username, rows)
	if err != nil || row == nil {
		return err
	}

	form, err := r.portal.PlanForm(ctx, row.DetailPath)
	if err != nil {
		r.send(ctx, chatID, "Could not read the plan form for "+row.Username)
		return err
	}
	if err := r.portal.ChangePlan(ctx, form, row.Username, pkgID); err != nil {
		r.send(ctx, chatID, fmt.Sprintf("Failed to change plan for %s. Check the package id and try again.", row.Username))
		return err
	}
	r.send(ctx, chatID, fmt.Sprintf("Plan changed.\nID: %s\nNew package id: %s", row.Username, pkgID))
	return nil
}

// selectRow picks the exact username match, or asks the operator to choose
// from a numbered list.
func (r *Router) selectRow(ctx context.Context, identity, chatID, username string, rows []portal.SubscriberRow) (*portal.SubscriberRow, error) {
	for i := range rows {
		if strings.EqualFold(rows[i].Username, username) {
			r.send(ctx, chatID, fmt.Sprintf("ID: %s\nExact match: %s\nProceeding...", rows[i].ID, rows[i].Username))
			return &rows[i], nil
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d users matching %q:\n\n", len(rows), username)
	for i, row := range rows {
		status := "Active"
		if strings.Contains(row.LastLogin, "No login") {
			status = "Inactive"
		}
		fmt.Fprintf(&b, "%d. %s %s (ID: %s)\nMobile: %s\nRenewal: %s\nLast login: %s\n\n",
			i+1, status, row.Username, row.ID, row.Mobile, row.NextRenewal, row.LastLogin)
	}
	b.WriteString("Reply with a number to pick one.")

	choice, err := r.ask(ctx, identity, chatID, strings.TrimRight(b.String(), "\n"))
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(rows) {
		r.send(ctx, chatID, "Invalid selection.")
		return nil, nil
	}
	return &rows[n-1], nil
}

// createIncident walks an operator through filing an incident: catalog
// subject, free-text description, confirmation.
func (r *Router) createIncident(ctx context.Context, identity, chatID string) error {
	if r.incidents == nil {
		r.send(ctx, chatID, "The incident desk is not configured.")
		return nil
	}
	session, err := r.incidents.Login(ctx)
	if err != nil {
		r.send(ctx, chatID, "Incident desk login failed, see logs.")
		return err
	}

	var list strings.Builder
	list.WriteString("Subject:\n")
	for i, s := range helpdesk.Subjects {
		fmt.Fprintf(&list, "%d. %s\n", i+1, s)
	}
	choice, err := r.ask(ctx, identity, chatID, strings.TrimRight(list.String(), "\n"))
	if err != nil {
		return err
	}
	n, convErr := strconv.Atoi(choice)
	subject, ok := "", false
	if convErr == nil {
		subject, ok = helpdesk.SubjectByNumber(n)
	}
	if !ok {
		r.send(ctx, chatID, "Invalid subject selection.")
		return nil
	}

	desc, err := r.ask(ctx, identity, chatID, "Enter description:")
	if err != nil {
		return err
	}

	confirm, err := r.ask(ctx, identity, chatID, "Send the request? Type yes or no.")
	if err != nil {
		return err
	}
	if strings.ToLower(confirm) != "yes" {
		r.send(ctx, chatID, "Request canceled.")
		return nil
	}

	if err := r.incidents.CreateIncident(ctx, session, subject, desc); err != nil {
		r.send(ctx, chatID, "Incident submission failed, see logs.")
		return err
	}

	id, err := r.incidents.LatestIncident(ctx, session)
	if err != nil || id == "" {
		r.send(ctx, chatID, "Incident submitted, but no ticket id came back.")
		return err
	}
	r.send(ctx, chatID, "Incident created. Ticket id: #"+id)
	return nil
}

// complaintStatus looks one streaming complaint up by number.
func (r *Router) complaintStatus(ctx context.Context, identity, chatID string) error {
	if r.desk == nil {
		r.send(ctx, chatID, "The complaint desk is not configured.")
		return nil
	}
	numText, err := r.ask(ctx, identity, chatID, "Complaint no:")
	if err != nil {
		return err
	}
	number, convErr := strconv.Atoi(numText)
	if convErr != nil {
		r.send(ctx, chatID, "Invalid complaint number.")
		return nil
	}

	c, err := r.desk.FindComplaint(ctx, number)
	if err != nil {
		r.send(ctx, chatID, fmt.Sprintf("No complaint found with number %d", number))
		return err
	}

	remark := c.Remark
	if remark == "" {
		remark = "No remarks provided."
	}
	r.send(ctx, chatID, fmt.Sprintf(
		"Complaint status\n\nComplaint number: %d\nUsername: %s\nStatus: %s\nService: %s\nRemark: %s",
		c.ComplaintNumber, c.Username, c.Status, c.ServiceProvider, remark))
	return nil
}

// registerStreamingComplaint auto-files a complaint for the pending
// subscriber against the configured streaming service.
func (r *Router) registerStreamingComplaint(ctx context.Context, chatID, code string) error {
	if r.desk == nil {
		r.send(ctx, chatID, "The complaint desk is not configured.")
		return nil
	}
	user, ok := refdata.User{}, false
	if r.directory != nil {
		user, ok = r.directory.ByUsername(code)
		if !ok {
			user, ok = r.directory.ByID(code)
		}
	}
	if !ok {
		// Streaming registration needs contact details the portal search
		// does not return, so the directory is mandatory here.
		r.send(ctx, chatID, "Incorrect ID: "+code)
		return nil
	}

	latest, err := r.desk.Register(ctx, helpdesk.Registration{
		ContactName:     user.Name,
		MobileNo:        user.MobileNo,
		Username:        user.Username,
		Email:           user.Email,
		ServiceProvider: r.cfg.DefaultService,
	})
	if err != nil {
		r.send(ctx, chatID, "Complaint registration failed for "+code)
		return err
	}

	reply := "Complaint registered for " + user.Username
	if latest != nil {
		reply += fmt.Sprintf("\nComplaint no: %d\nStatus: %s", latest.ComplaintNumber, latest.Status)
	}
	r.send(ctx, chatID, reply)
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func titleCase(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		fields[i] = strings.ToUpper(f[:1]) + f[1:]
	}
	return strings.Join(fields, " ")
}
