package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wirebot-io/wirebot/internal/convo"
	"github.com/wirebot-io/wirebot/internal/journal"
	"github.com/wirebot-io/wirebot/internal/portal"
	"github.com/wirebot-io/wirebot/internal/refdata"
)

// memJournal records sweeps in memory.
type memJournal struct {
	outcomes []journal.Outcome
	totals   journal.Totals
	finished bool
}

func (m *memJournal) Begin(string) (int64, error) { return 1, nil }
func (m *memJournal) Record(_ int64, o journal.Outcome) error {
	m.outcomes = append(m.outcomes, o)
	return nil
}
func (m *memJournal) Finish(_ int64, t journal.Totals) error {
	m.totals = t
	m.finished = true
	return nil
}

// scriptedChat replays canned operator replies and captures prompts.
type scriptedChat struct {
	prompts []string
	replies []string
}

func (s *scriptedChat) Send(_ context.Context, _, text string) error {
	s.prompts = append(s.prompts, text)
	return nil
}

func (s *scriptedChat) AwaitReply(_ context.Context, identity string, _ time.Duration) (convo.Reply, error) {
	if len(s.replies) == 0 {
		return convo.Reply{}, errors.New("no scripted reply left")
	}
	text := s.replies[0]
	s.replies = s.replies[1:]
	return convo.Reply{Identity: identity, Text: text}, nil
}

// fakeWorklist simulates the portal worklist: MarkVerified advances an item
// from submitted to verified, CreateSubscription removes it.
type fakeWorklist struct {
	items   map[string]*portal.WorkItem
	details map[string]*portal.ApplicationDetail

	verifyErr        error
	rejectNames      map[string]bool
	created          []string
	resetIDs         []string
	verifiedIDs      []string
	deriveCandidates []string
}

func (f *fakeWorklist) Worklist(context.Context) ([]portal.WorkItem, error) {
	var out []portal.WorkItem
	for _, it := range f.items {
		out = append(out, *it)
	}
	return out, nil
}

func (f *fakeWorklist) ApplicationDetail(_ context.Context, path string) (*portal.ApplicationDetail, error) {
	d, ok := f.details[path]
	if !ok {
		return nil, fmt.Errorf("no detail for %s", path)
	}
	return d, nil
}

func (f *fakeWorklist) MarkVerified(_ context.Context, tabID, _ string) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	f.verifiedIDs = append(f.verifiedIDs, tabID)
	if it, ok := f.items[tabID]; ok {
		it.Status = portal.ItemVerified
	}
	return nil
}

func (f *fakeWorklist) DeriveUsername(_ context.Context, _, candidate string) (string, error) {
	f.deriveCandidates = append(f.deriveCandidates, candidate)
	if f.rejectNames[candidate] {
		return "", &portal.StatusError{Op: "derive username", Status: "REJECTED"}
	}
	return candidate, nil
}

func (f *fakeWorklist) CreateSubscription(_ context.Context, h portal.HiddenInputs, username string) error {
	f.created = append(f.created, username)
	delete(f.items, h.TabID)
	return nil
}

func (f *fakeWorklist) LookupSubscriber(_ context.Context, query string) (*portal.Subscriber, error) {
	return &portal.Subscriber{Username: query, SubscriberID: "40213", MobileNo: "9876543210"}, nil
}

func (f *fakeWorklist) ResetPassword(_ context.Context, subscriberID, _ string) (portal.PasswordResetResult, error) {
	f.resetIDs = append(f.resetIDs, subscriberID)
	return portal.PasswordResetResult{Portal: true, Internet: true}, nil
}

func submittedItem(id string, evidence bool) (*portal.WorkItem, *portal.ApplicationDetail) {
	item := &portal.WorkItem{TabID: id, Status: portal.ItemSubmitted, DetailPath: "/detail/" + id}
	detail := &portal.ApplicationDetail{
		Hidden: portal.HiddenInputs{
			FirstName: "ravi kumar", TabID: id, PkgGroup: "2", PkgID: "9",
			Partner: "55", MobileNo: "9876543210",
		},
		EvidencePresent:   evidence,
		MobileNo:          "9876543210",
		AssociatedPartner: "ranchi net co",
		ProfileRows: []portal.ProfileRow{
			{Name: "Name", Value: "Ravi Kumar"},
			{Name: "Mobile No.", Value: "9876543210"},
		},
	}
	return item, detail
}

func testCodes() *refdata.CodeMap {
	return refdata.NewCodeMap(map[string]string{"ranchi net co": "jh.rnc"})
}

func newTestRunner(f *fakeWorklist, chat *scriptedChat, j *memJournal) *Runner {
	return NewRunner(f, chat, chat, testCodes(), j, slog.Default(), WithPassDelay(0), WithStallLimit(3))
}

func TestRun_AutoVerifiesWithoutEvidence(t *testing.T) {
	item, detail := submittedItem("101", false)
	f := &fakeWorklist{
		items:   map[string]*portal.WorkItem{"101": item},
		details: map[string]*portal.ApplicationDetail{"/detail/101": detail},
	}
	chat := &scriptedChat{replies: []string{"2"}}
	j := &memJournal{}

	sum, err := NewRunner(f, chat, chat, testCodes(), j, slog.Default(), WithPassDelay(0)).Run(context.Background(), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.verifiedIDs) != 1 || f.verifiedIDs[0] != "101" {
		t.Errorf("verified = %v", f.verifiedIDs)
	}
	// Evidence was absent, so the only prompt is the username choice after
	// the item advanced to verified.
	for _, p := range chat.prompts {
		if strings.Contains(p, "(y/n)") {
			t.Errorf("unexpected evidence prompt: %q", p)
		}
	}
	if len(f.created) != 1 || f.created[0] != "jh.rnc.ravi" {
		t.Errorf("created = %v", f.created)
	}
	if len(f.resetIDs) != 1 {
		t.Errorf("expected post-provisioning password reset, got %v", f.resetIDs)
	}
	if sum.Processed != 2 {
		t.Errorf("processed = %d", sum.Processed)
	}
	if !j.finished {
		t.Error("journal never finished")
	}
}

func TestRun_EvidencePromptDeclined(t *testing.T) {
	item, detail := submittedItem("102", true)
	f := &fakeWorklist{
		items:   map[string]*portal.WorkItem{"102": item},
		details: map[string]*portal.ApplicationDetail{"/detail/102": detail},
	}
	chat := &scriptedChat{replies: []string{"n"}}
	j := &memJournal{}

	sum, err := newTestRunner(f, chat, j).Run(context.Background(), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.verifiedIDs) != 0 {
		t.Errorf("declined item was verified: %v", f.verifiedIDs)
	}
	if len(chat.prompts) != 1 {
		t.Errorf("expected exactly one prompt, got %d", len(chat.prompts))
	}
	if sum.Skipped != 1 {
		t.Errorf("skipped = %d", sum.Skipped)
	}
	if len(j.outcomes) != 1 || j.outcomes[0].Action != journal.ActionSkipped {
		t.Errorf("outcomes = %+v", j.outcomes)
	}
}

func TestRun_EvidencePromptAccepted(t *testing.T) {
	item, detail := submittedItem("103", true)
	f := &fakeWorklist{
		items:   map[string]*portal.WorkItem{"103": item},
		details: map[string]*portal.ApplicationDetail{"/detail/103": detail},
	}
	chat := &scriptedChat{replies: []string{"yes", "2"}}
	j := &memJournal{}

	_, err := newTestRunner(f, chat, j).Run(context.Background(), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.verifiedIDs) != 1 {
		t.Fatalf("verified = %v", f.verifiedIDs)
	}
	// Second pass picks the now-verified item up for provisioning.
	if len(f.created) != 1 {
		t.Errorf("created = %v", f.created)
	}
}

func TestRun_UsernameSuffixProbing(t *testing.T) {
	item, detail := submittedItem("104", false)
	item.Status = portal.ItemVerified
	f := &fakeWorklist{
		items:   map[string]*portal.WorkItem{"104": item},
		details: map[string]*portal.ApplicationDetail{"/detail/104": detail},
		rejectNames: map[string]bool{
			"jh.rnc.ravi":  true,
			"jh.rnc.ravi1": true,
		},
	}
	chat := &scriptedChat{replies: []string{"2"}}
	j := &memJournal{}

	_, err := newTestRunner(f, chat, j).Run(context.Background(), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.created) != 1 || f.created[0] != "jh.rnc.ravi2" {
		t.Errorf("created = %v", f.created)
	}
	want := []string{"jh.rnc.ravi", "jh.rnc.ravi1", "jh.rnc.ravi2"}
	for i, c := range want {
		if f.deriveCandidates[i] != c {
			t.Fatalf("candidate %d = %q, want %q", i, f.deriveCandidates[i], c)
		}
	}
}

func TestRun_ManualUsernameReverified(t *testing.T) {
	item, detail := submittedItem("105", false)
	item.Status = portal.ItemVerified
	f := &fakeWorklist{
		items:   map[string]*portal.WorkItem{"105": item},
		details: map[string]*portal.ApplicationDetail{"/detail/105": detail},
	}
	chat := &scriptedChat{replies: []string{"jh.rnc.custom"}}
	j := &memJournal{}

	_, err := newTestRunner(f, chat, j).Run(context.Background(), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.created) != 1 || f.created[0] != "jh.rnc.custom" {
		t.Errorf("created = %v", f.created)
	}
	// Derived probe first, then the manual name's own verification.
	last := f.deriveCandidates[len(f.deriveCandidates)-1]
	if last != "jh.rnc.custom" {
		t.Errorf("manual name never re-verified, candidates = %v", f.deriveCandidates)
	}
}

func TestRun_UnattendedSkipsEvidenceReview(t *testing.T) {
	withEvidence, d1 := submittedItem("106", true)
	without, d2 := submittedItem("107", false)
	f := &fakeWorklist{
		items: map[string]*portal.WorkItem{"106": withEvidence, "107": without},
		details: map[string]*portal.ApplicationDetail{
			"/detail/106": d1,
			"/detail/107": d2,
		},
	}
	chat := &scriptedChat{}
	j := &memJournal{}

	sum, err := newTestRunner(f, chat, j).Run(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(chat.prompts) != 0 {
		t.Errorf("unattended run prompted: %v", chat.prompts)
	}
	if sum.Skipped != 1 {
		t.Errorf("skipped = %d", sum.Skipped)
	}
	// The evidence-free item still flows through to provisioning with the
	// derived name.
	if len(f.created) != 1 || f.created[0] != "jh.rnc.ravi" {
		t.Errorf("created = %v", f.created)
	}
}

func TestRun_StallsAfterRepeatedFailures(t *testing.T) {
	item, detail := submittedItem("108", false)
	f := &fakeWorklist{
		items:     map[string]*portal.WorkItem{"108": item},
		details:   map[string]*portal.ApplicationDetail{"/detail/108": detail},
		verifyErr: errors.New("portal down"),
	}
	chat := &scriptedChat{}
	j := &memJournal{}

	sum, err := newTestRunner(f, chat, j).Run(context.Background(), "")
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	if sum.Failed != 3 {
		t.Errorf("failed = %d, want one per stalled pass", sum.Failed)
	}
	if !j.finished {
		t.Error("journal left open after stall")
	}
}

func TestRun_EmptyWorklistConverges(t *testing.T) {
	f := &fakeWorklist{items: map[string]*portal.WorkItem{}}
	j := &memJournal{}
	sum, err := newTestRunner(f, &scriptedChat{}, j).Run(context.Background(), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 0 {
		t.Errorf("processed = %d", sum.Processed)
	}
}
