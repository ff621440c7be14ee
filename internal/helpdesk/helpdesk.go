// Package helpdesk talks to the two upstream support systems outside the
// billing portal: a JSON complaint API for streaming-service issues and a
// form-based incident desk for infrastructure requests.
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Complaint API paths.
const (
	pathSignIn     = "/GSignin"
	pathComplaints = "/GGetOTTComplaintList"
	pathRegister   = "/GOTTComplaintRegistration"
)

// ErrComplaintNotFound is returned when a complaint number has no match.
var ErrComplaintNotFound = fmt.Errorf("helpdesk: complaint not found")

// Config holds the complaint API endpoint and the fixed platform identity it
// is called under.
type Config struct {
	BaseURL  string
	Username string
	Platform string
	Password string

	// Fixed organization fields stamped on every registration.
	CompanyName  string
	VendorCode   string
	OperatorCode string
	TicketOwner  string
}

// Complaint is one record from the complaint list.
type Complaint struct {
	ComplaintNumber int    `json:"ComplaintNumber"`
	Username        string `json:"Username"`
	Status          string `json:"Status"`
	ServiceProvider string `json:"ServiceProvider"`
	Remark          string `json:"Remark"`
}

// Registration is the per-subscriber part of a new complaint; the fixed
// organization fields come from Config.
type Registration struct {
	ContactName     string
	MobileNo        string
	Username        string
	Email           string
	ServiceProvider string
}

// Client is the JSON complaint API client.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a complaint API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("helpdesk: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("helpdesk: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("helpdesk: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helpdesk: post %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("helpdesk: decode %s: %w", path, err)
	}
	return nil
}

// SignIn authenticates the fixed platform identity and returns its user id.
func (c *Client) SignIn(ctx context.Context) (string, error) {
	payload := map[string]string{
		"UserName":  c.cfg.Username,
		"Platform":  c.cfg.Platform,
		"Password":  c.cfg.Password,
		"IPAddress": "",
	}
	// The API has returned the id both as a number and as a string.
	var out struct {
		UserID json.RawMessage `json:"UserId"`
	}
	if err := c.postJSON(ctx, pathSignIn, payload, &out); err != nil {
		return "", err
	}
	id := string(bytes.Trim(out.UserID, `"`))
	if id == "" || id == "null" {
		return "", fmt.Errorf("helpdesk: sign-in returned no user id")
	}
	return id, nil
}

// Complaints lists the complaints visible to userID, newest first.
func (c *Client) Complaints(ctx context.Context, userID string) ([]Complaint, error) {
	path := pathComplaints + "?UserID=" + url.QueryEscape(userID)
	var out []Complaint
	if err := c.postJSON(ctx, path, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindComplaint signs in and resolves one complaint by number.
func (c *Client) FindComplaint(ctx context.Context, number int) (*Complaint, error) {
	userID, err := c.SignIn(ctx)
	if err != nil {
		return nil, err
	}
	complaints, err := c.Complaints(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range complaints {
		if complaints[i].ComplaintNumber == number {
			return &complaints[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrComplaintNotFound, number)
}

// Register signs in, submits a new complaint, and returns the freshly listed
// one so the caller can report its number.
func (c *Client) Register(ctx context.Context, r Registration) (*Complaint, error) {
	userID, err := c.SignIn(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"Mode":            1,
		"ComplaintNo":     0,
		"ContactName":     r.ContactName,
		"CustMobileNo":    r.MobileNo,
		"Username":        r.Username,
		"CompanyName":     c.cfg.CompanyName,
		"VendorCode":      c.cfg.VendorCode,
		"OperatorCode":    c.cfg.OperatorCode,
		"Email":           r.Email,
		"Phone":           r.MobileNo,
		"Subject":         r.ServiceProvider + " not working",
		"Description":     "Customer is not able to use " + r.ServiceProvider,
		"Remark":          "",
		"Status":          "O",
		"TicketOwner":     c.cfg.TicketOwner,
		"ServiceProvider": r.ServiceProvider,
		"IssueType":       "Subscription",
		"ReportedDate":    time.Now().UTC().Format("2006-01-02T15:04"),
		"Priority":        "High",
		"Channel":         "Phone",
		"Classifications": "Problem",
		"UserId":          userID,
	}
	if err := c.postJSON(ctx, pathRegister, payload, nil); err != nil {
		return nil, err
	}

	complaints, err := c.Complaints(ctx, userID)
	if err != nil || len(complaints) == 0 {
		// Registration went through; only the readback failed.
		return nil, nil
	}
	return &complaints[0], nil
}
