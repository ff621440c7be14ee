package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wirebot-io/wirebot/internal/session"
)

// staticCreds implements CredentialSource with a fixed pair.
type staticCreds struct{}

func (staticCreds) Credentials(context.Context) (session.CredentialPair, error) {
	return session.CredentialPair{
		Primary: session.Cookie{Name: "portal_token", Value: "tok"},
		Session: session.Cookie{Name: "ci_session", Value: "sess"},
	}, nil
}

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, staticCreds{}, "portal_csrf", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

const searchResultsHTML = `<html><body>
<table class="table table-striped"><tbody>
<tr>
  <td>40213</td>
  <td><a href="/billcntl/subscriptiondetail/40213">jh.rnc.ravi</a></td>
  <td>x</td>
  <td>2024-02-01</td>
  <td>2024-03-01</td>
  <td>9876543210</td>
</tr>
<tr><td>only-five</td><td>a</td><td>b</td><td>c</td><td>d</td></tr>
</tbody></table>
</body></html>`

const subscriberDetailHTML = `<html><body>
<table class="table-bordered table-condensed table-striped">
<tr><td>Name</td><td>Ravi Kumar</td></tr>
<tr><td>Email</td><td>ravi@example.net</td></tr>
</table>
<a href="/billcntl/currentmonthdatause/40213">usage</a>
</body></html>`

func TestSearchSubscriber_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/searchsub", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		r.ParseForm()
		if got := r.PostFormValue("portal_csrf"); got != "tok" {
			t.Errorf("csrf field = %q", got)
		}
		if got := r.PostFormValue("user-search"); got != "40213" {
			t.Errorf("user-search = %q", got)
		}
		if got := r.Header.Get("Cookie"); got != "portal_token=tok; ci_session=sess" {
			t.Errorf("cookie header = %q", got)
		}
		http.Redirect(w, r, "/billcntl/searchresults", http.StatusSeeOther)
	})
	mux.HandleFunc("/billcntl/searchresults", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, searchResultsHTML)
	})
	c, _ := newTestClient(t, mux)

	rows, err := c.SearchSubscriber(context.Background(), "40213")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 parseable row, got %d", len(rows))
	}
	row := rows[0]
	if row.ID != "40213" || row.Username != "jh.rnc.ravi" || row.Mobile != "9876543210" {
		t.Errorf("row = %+v", row)
	}
	if row.DetailPath != "/billcntl/subscriptiondetail/40213" {
		t.Errorf("detail path = %q", row.DetailPath)
	}
}

func TestLookupSubscriber_FetchesName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/searchsub", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/billcntl/searchresults", http.StatusSeeOther)
	})
	mux.HandleFunc("/billcntl/searchresults", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, searchResultsHTML)
	})
	mux.HandleFunc("/billcntl/subscriptiondetail/40213", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, subscriberDetailHTML)
	})
	c, _ := newTestClient(t, mux)

	sub, err := c.LookupSubscriber(context.Background(), "40213")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Name != "Ravi Kumar" || sub.SubscriberID != "40213" || sub.Username != "jh.rnc.ravi" {
		t.Errorf("subscriber = %+v", sub)
	}
}

func TestLookupSubscriber_NoRows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/searchsub", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>no results</body></html>")
	})
	c, _ := newTestClient(t, mux)

	_, err := c.LookupSubscriber(context.Background(), "99999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetSession_BothSubsystems(t *testing.T) {
	var endCalled, clearCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/endacctsession", func(w http.ResponseWriter, r *http.Request) {
		endCalled = true
		fmt.Fprint(w, `{"STATUS":"OK"}`)
	})
	mux.HandleFunc("/billcntl/clear_acctsession", func(w http.ResponseWriter, r *http.Request) {
		clearCalled = true
		fmt.Fprint(w, `{"STATUS":"OK"}`)
	})
	c, _ := newTestClient(t, mux)

	ok, err := c.ResetSession(context.Background(), "jh.rnc.ravi")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !endCalled || !clearCalled {
		t.Error("expected both subsystem calls")
	}
}

func TestResetSession_OneSubsystemFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/endacctsession", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"STATUS":"OK"}`)
	})
	mux.HandleFunc("/billcntl/clear_acctsession", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"STATUS":"NOSESSION"}`)
	})
	c, _ := newTestClient(t, mux)

	ok, err := c.ResetSession(context.Background(), "jh.rnc.ravi")
	if ok {
		t.Error("expected failure when one subsystem rejects")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Status != "NOSESSION" {
		t.Errorf("status = %q", se.Status)
	}
}

func TestResetPassword_PostsBothFlags(t *testing.T) {
	flags := make(chan string, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/subapis/subpassreset", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		flags <- r.PostFormValue("flag")
		fmt.Fprint(w, `{"STATUS":"OK"}`)
	})
	c, _ := newTestClient(t, mux)

	res, err := c.ResetPassword(context.Background(), "40213", "9876543210")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Both() {
		t.Errorf("result = %+v", res)
	}
	got := map[string]bool{<-flags: true, <-flags: true}
	if !got["Bill"] || !got["Internet"] {
		t.Errorf("flags = %v", got)
	}
}

func TestPostStatus_MissingEnvelopeMeansExpiredSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/kycapis/create_subscription", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>login page</html>")
	})
	c, _ := newTestClient(t, mux)

	err := c.CreateSubscription(context.Background(), HiddenInputs{
		TabID: "77", PkgGroup: "2", PkgID: "9",
	}, "jh.rnc.ravi")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

const worklistHTML = `<html><body>
<table class="table"><tbody>
<tr><td>1</td><td>Submitted</td><td><a href="/billcntl/kycdetail/101/view">open</a></td></tr>
<tr><td>2</td><td>Verified</td><td><a href="/billcntl/kycdetail/102/view">open</a></td></tr>
<tr><td>3</td><td>Rejected</td><td><a href="/billcntl/kycdetail/103/view">open</a></td></tr>
</tbody></table>
</body></html>`

func TestWorklist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/kycpending", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, worklistHTML)
	})
	c, _ := newTestClient(t, mux)

	items, err := c.Worklist(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Status != ItemSubmitted || items[0].TabID != "101" {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].Status != ItemVerified || items[1].TabID != "102" {
		t.Errorf("item 1 = %+v", items[1])
	}
}

const applicationDetailHTML = `<html><body>
<input name="firstname" value="RAVI KUMAR">
<input name="oltabid" value="101">
<input name="pggroupid" value="2">
<input name="pkgid" value="9">
<input name="anp" value="55">
<input name="caf_type" value="Retail">
<input name="mobileno" value="9876543210">
<select id="vlanid"><option value="10">ten</option><option value="20" selected>twenty</option></select>
<input id="uname" value="jh.rnc.ravi">
<div class="profile-info-row">
  <div class="profile-info-name">Mobile No.</div>
  <div class="profile-info-value"><span>9876543210</span></div>
</div>
<div class="profile-info-row">
  <div class="profile-info-name">Address Proof Copy</div>
  <div class="profile-info-value"><span>file not exists</span></div>
</div>
<div class="profile-info-row">
  <div class="profile-info-name">Associated Partner</div>
  <div class="profile-info-value"><span>Ranchi Net Co</span></div>
</div>
</body></html>`

func TestApplicationDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/kycdetail/101/view", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, applicationDetailHTML)
	})
	c, _ := newTestClient(t, mux)

	d, err := c.ApplicationDetail(context.Background(), "/billcntl/kycdetail/101/view")
	if err != nil {
		t.Fatal(err)
	}
	if d.Hidden.FirstName != "ravi kumar" || d.Hidden.TabID != "101" || d.Hidden.VLAN != "20" {
		t.Errorf("hidden = %+v", d.Hidden)
	}
	if !d.Hidden.Complete() {
		t.Error("expected complete hidden inputs")
	}
	if d.EvidencePresent {
		t.Error("evidence should be absent ('file not exists')")
	}
	if d.MobileNo != "9876543210" {
		t.Errorf("mobile = %q", d.MobileNo)
	}
	if d.ExistingUsername != "jh.rnc.ravi" {
		t.Errorf("existing username = %q", d.ExistingUsername)
	}
	if d.AssociatedPartner != "ranchi net co" {
		t.Errorf("partner = %q", d.AssociatedPartner)
	}
	if len(d.ProfileRows) != 3 {
		t.Errorf("profile rows = %d", len(d.ProfileRows))
	}
}

func TestDeriveUsername(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/kycapis/derive_username", func(w http.ResponseWriter, r *http.Request) {
		calls++
		r.ParseForm()
		if r.PostFormValue("mod_username") == "jh.rnc.ravi" {
			fmt.Fprint(w, `{"STATUS":"TAKEN"}`)
			return
		}
		fmt.Fprint(w, `{"STATUS":"OK","UNAME":"jh.rnc.ravi1"}`)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.DeriveUsername(context.Background(), "ravi", "jh.rnc.ravi")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError for taken name, got %v", err)
	}

	name, err := c.DeriveUsername(context.Background(), "ravi", "jh.rnc.ravi1")
	if err != nil {
		t.Fatal(err)
	}
	if name != "jh.rnc.ravi1" {
		t.Errorf("derived = %q", name)
	}
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
}

const ticketsPageHTML = `<html><body>
<table id="results"><tbody>
<tr>
  <td>1</td><td>a</td><td>b</td><td>c</td><td>No Connectivity</td><td>e</td><td>f</td>
  <td>Open</td><td><a href="/crmcntl/billticketview/5501/edit">respond</a></td>
</tr>
<tr>
  <td>2</td><td>a</td><td>b</td><td>c</td><td>Slow speed</td><td>e</td><td>f</td>
  <td>Closed</td><td><a href="/crmcntl/billticketview/5502/edit">respond</a></td>
</tr>
</tbody></table>
</body></html>`

func TestTickets_PagesAndParsing(t *testing.T) {
	var paths []string
	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/crmcntl/bill_tickets" {
			fmt.Fprint(w, ticketsPageHTML)
			return
		}
		fmt.Fprint(w, "<html><body><table id=\"results\"></table></body></html>")
	}
	mux.HandleFunc("/crmcntl/bill_tickets", handler)
	mux.HandleFunc("/crmcntl/bill_tickets/30", handler)
	mux.HandleFunc("/crmcntl/bill_tickets/60", handler)
	c, _ := newTestClient(t, mux)

	tickets, err := c.Tickets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 page fetches, got %v", paths)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
	if tickets[0].ID != "5501" || tickets[0].Status != "open" || tickets[0].Subject != "no connectivity" {
		t.Errorf("ticket 0 = %+v", tickets[0])
	}
}

func TestSessionActive_ThreeHops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/billcntl/searchsub", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/billcntl/subscriptiondetail/40213">detail</a></body></html>`)
	})
	mux.HandleFunc("/billcntl/subscriptiondetail/40213", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, subscriberDetailHTML)
	})
	active := true
	mux.HandleFunc("/billcntl/currentmonthdatause/40213", func(w http.ResponseWriter, _ *http.Request) {
		if active {
			fmt.Fprint(w, `<html><body><button id="cusdiscon_btn">Disconnect</button></body></html>`)
		} else {
			fmt.Fprint(w, `<html><body>no session</body></html>`)
		}
	})
	c, _ := newTestClient(t, mux)

	got, err := c.SessionActive(context.Background(), "jh.rnc.ravi")
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected active session")
	}

	active = false
	got, err = c.SessionActive(context.Background(), "jh.rnc.ravi")
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expected inactive session")
	}
}
