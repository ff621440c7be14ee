package helpdesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func complaintServer(t *testing.T, registered *map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pathSignIn, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["UserName"] != "plat-user" || in["Password"] != "plat-pass" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"UserId": 42}`)
	})
	mux.HandleFunc(pathComplaints, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("UserID") != "42" {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `[
			{"ComplaintNumber": 9002, "Username": "jh.rnc.sita", "Status": "Open", "ServiceProvider": "Hotstar_Super", "Remark": ""},
			{"ComplaintNumber": 9001, "Username": "jh.rnc.ravi", "Status": "Resolved", "ServiceProvider": "Hotstar_Super", "Remark": "restarted"}
		]`)
	})
	mux.HandleFunc(pathRegister, func(w http.ResponseWriter, r *http.Request) {
		if registered != nil {
			json.NewDecoder(r.Body).Decode(registered)
		}
		fmt.Fprint(w, `{"Result": "Success"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Username:     "plat-user",
		Platform:     "GPanel",
		Password:     "plat-pass",
		CompanyName:  "Example Carrier Ltd.",
		VendorCode:   "EXC",
		OperatorCode: "JHEX",
		TicketOwner:  "desk",
	}
}

func TestFindComplaint(t *testing.T) {
	srv := complaintServer(t, nil)
	c := NewClient(testConfig(srv.URL))

	got, err := c.FindComplaint(context.Background(), 9001)
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "jh.rnc.ravi" || got.Status != "Resolved" || got.Remark != "restarted" {
		t.Errorf("complaint = %+v", got)
	}

	_, err = c.FindComplaint(context.Background(), 7777)
	if !errors.Is(err, ErrComplaintNotFound) {
		t.Fatalf("expected ErrComplaintNotFound, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	var payload map[string]any
	srv := complaintServer(t, &payload)
	c := NewClient(testConfig(srv.URL))

	latest, err := c.Register(context.Background(), Registration{
		ContactName:     "Ravi Kumar",
		MobileNo:        "9876543210",
		Username:        "jh.rnc.ravi",
		Email:           "ravi@example.net",
		ServiceProvider: "Hotstar_Super",
	})
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ComplaintNumber != 9002 {
		t.Errorf("latest = %+v", latest)
	}

	if payload["Subject"] != "Hotstar_Super not working" {
		t.Errorf("subject = %v", payload["Subject"])
	}
	if payload["VendorCode"] != "EXC" || payload["OperatorCode"] != "JHEX" {
		t.Errorf("org fields = %v / %v", payload["VendorCode"], payload["OperatorCode"])
	}
	if payload["Status"] != "O" || payload["Priority"] != "High" {
		t.Errorf("fixed fields = %v / %v", payload["Status"], payload["Priority"])
	}
}

func TestSignIn_BadCredentials(t *testing.T) {
	srv := complaintServer(t, nil)
	cfg := testConfig(srv.URL)
	cfg.Password = "wrong"
	_, err := NewClient(cfg).SignIn(context.Background())
	if err == nil {
		t.Fatal("expected sign-in failure")
	}
}

func TestSubjectByNumber(t *testing.T) {
	if s, ok := SubjectByNumber(1); !ok || s != Subjects[0] {
		t.Errorf("first subject = %q ok=%v", s, ok)
	}
	if _, ok := SubjectByNumber(0); ok {
		t.Error("0 should be out of range")
	}
	if _, ok := SubjectByNumber(len(Subjects) + 1); ok {
		t.Error("past-end selection should be out of range")
	}
}

func TestIncidentFlow(t *testing.T) {
	var gotSubject, gotDesc, gotCookie string
	mux := http.NewServeMux()
	mux.HandleFunc(pathIncidentLogin, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("username") != "desk-user" {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "ci_session", Value: "deadbeef"})
		w.Header().Set("Location", "/mspcntl/dashboard")
		w.WriteHeader(http.StatusSeeOther)
	})
	mux.HandleFunc(pathIncidentCreate, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotSubject = r.PostFormValue("subject")
		gotDesc = r.PostFormValue("desc")
		if ck, err := r.Cookie("ci_session"); err == nil {
			gotCookie = ck.Value
		}
		if r.PostFormValue("project") != "Retail" || r.PostFormValue("scode") != "JH" {
			http.Error(w, "missing circle fields", http.StatusBadRequest)
			return
		}
	})
	mux.HandleFunc(pathIncidentList, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("incident_status") != "Pending" || r.PostFormValue("columns[0][data]") != "ticketid" {
			http.Error(w, "bad listing query", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"data":[{"ticketid":"INC-3301"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewIncidentClient(IncidentConfig{
		BaseURL:  srv.URL,
		Username: "desk-user",
		Password: "desk-pass",
		Project:  "Retail",
		SCode:    "JH",
		MSPID:    "11",
		Circle:   "JH",
	})

	session, err := c.Login(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if session.Value != "deadbeef" {
		t.Errorf("session cookie = %q", session.Value)
	}

	if err := c.CreateIncident(context.Background(), session, "Stale session", "customer stuck online"); err != nil {
		t.Fatal(err)
	}
	if gotSubject != "Stale session" || gotDesc != "customer stuck online" || gotCookie != "deadbeef" {
		t.Errorf("incident post = subject %q desc %q cookie %q", gotSubject, gotDesc, gotCookie)
	}

	id, err := c.LatestIncident(context.Background(), session)
	if err != nil {
		t.Fatal(err)
	}
	if id != "INC-3301" {
		t.Errorf("ticket id = %q", id)
	}
}

func TestIncidentLogin_NoRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathIncidentLogin, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK) // login page re-rendered, not a 303
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewIncidentClient(IncidentConfig{BaseURL: srv.URL})
	if _, err := c.Login(context.Background()); err == nil {
		t.Fatal("expected login failure without 303")
	}
}
