package helpdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Incident desk paths.
const (
	pathIncidentLogin  = "/rlogin/index"
	pathIncidentCreate = "/mspcntl/addmspincident"
	pathIncidentList   = "/mspcntl/msp_incident_details_ajax"
)

// Subjects is the incident desk's fixed subject catalog; incidents must use
// one of these verbatim.
var Subjects = []string{
	"Activate with available balance", "AGNP bank details updation", "ANP - Mobile number and Email ID change",
	"ANP address change", "ANP Demo ID renewal", "ANP disbursement issue", "ANP GSTIN issue",
	"ANP name change", "ANP online recharge issue", "ANP-AGNP mapping", "Authentication issue",
	"BSS issue", "CRM ticket issue", "CSV download option issue", "Data usage issue", "Decommission date updation",
	"disable sub-online recharge", "DOC updation", "Double recharge", "DVR IP Port Request",
	"Enable sub-online recharge", "IFSC code issue", "Invoice issue", "Location transfer",
	"Others", "Package change", "Permanent Inactive Request", "Plan Implementation", "Plan Upgradation",
	"SLA dashboard issue", "Stale session", "Static IP DoP updation", "Static IP recharge issue",
	"Static IP renewal issue", "Sub - Mobile number and Email ID Change", "Subscriber address change",
	"Subscriber applicant name change", "Subscriber GSTIN change", "Subscriber GSTIN issue",
	"Subscriber GSTIN Removal", "Subscriber KYC-Application Mapping", "Subscriber KYC/Application issue",
	"Subscriber online recharge issue", "Subscriber package issue", "Subscriber static IP issue",
	"Subscription expiry", "Subscription type change", "User Reactivation", "Username change",
	"Wrong recharge",
}

// SubjectByNumber resolves a 1-based catalog selection.
func SubjectByNumber(n int) (string, bool) {
	if n < 1 || n > len(Subjects) {
		return "", false
	}
	return Subjects[n-1], true
}

// IncidentConfig holds the incident desk endpoint, its login, and the fixed
// circle fields stamped on every incident.
type IncidentConfig struct {
	BaseURL  string
	Username string
	Password string

	Project string // e.g. "Retail"
	SCode   string
	MSPID   string
	Circle  string
}

// IncidentClient drives the form-based incident desk.
type IncidentClient struct {
	cfg  IncidentConfig
	http *http.Client
}

// NewIncidentClient builds an incident desk client.
func NewIncidentClient(cfg IncidentConfig) *IncidentClient {
	return &IncidentClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
			// The login answers 303; the session cookie is on that response.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Login authenticates and returns the session cookie to send on later calls.
func (c *IncidentClient) Login(ctx context.Context) (*http.Cookie, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pathIncidentLogin, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("helpdesk: incident login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("helpdesk: incident login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSeeOther {
		return nil, fmt.Errorf("helpdesk: incident login: status %d, want 303", resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == "ci_session" {
			return ck, nil
		}
	}
	return nil, fmt.Errorf("helpdesk: incident login: no session cookie in response")
}

// CreateIncident files an incident under the configured circle. subject must
// come from the catalog.
func (c *IncidentClient) CreateIncident(ctx context.Context, session *http.Cookie, subject, description string) error {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"desc":       description,
		"subject":    subject,
		"project":    c.cfg.Project,
		"scode":      c.cfg.SCode,
		"mspid":      c.cfg.MSPID,
		"circle":     c.cfg.Circle,
		"assig_date": "undefined",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("helpdesk: build incident form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("helpdesk: build incident form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pathIncidentCreate, strings.NewReader(body.String()))
	if err != nil {
		return fmt.Errorf("helpdesk: create incident: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(session)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("helpdesk: create incident: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("helpdesk: create incident: status %d", resp.StatusCode)
	}
	return nil
}

// incidentColumns is the column layout the listing endpoint expects.
var incidentColumns = []string{"ticketid", "msp_created", "etr", "status", "ptype", "actualclosedate", "description"}

// LatestIncident returns the newest pending incident's ticket id, or empty
// when the desk lists none.
func (c *IncidentClient) LatestIncident(ctx context.Context, session *http.Cookie) (string, error) {
	form := url.Values{}
	form.Set("draw", "1")
	form.Set("start", "0")
	form.Set("length", "1")
	form.Set("incident_status", "Pending")
	form.Set("descp", "")
	form.Set("s_date", "")
	form.Set("search[value]", "")
	form.Set("search[regex]", "false")
	for i, col := range incidentColumns {
		p := "columns[" + strconv.Itoa(i) + "]"
		form.Set(p+"[data]", col)
		form.Set(p+"[searchable]", "true")
		form.Set(p+"[orderable]", "false")
		form.Set(p+"[search][value]", "")
		form.Set(p+"[search][regex]", "false")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pathIncidentList, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("helpdesk: list incidents: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.AddCookie(session)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("helpdesk: list incidents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("helpdesk: list incidents: status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			TicketID string `json:"ticketid"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("helpdesk: decode incident list: %w", err)
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	return out.Data[0].TicketID, nil
}
