// Package portal is the HTTP client for the billing portal: every named
// remote operation the flows and pipelines perform against it, form encoding,
// cookie-based auth, and parsing of its HTML and JSON responses.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/wirebot-io/wirebot/internal/session"
)

// Portal endpoint paths.
const (
	pathSearchSub      = "/billcntl/searchsub"
	pathEndSession     = "/billcntl/endacctsession"
	pathClearSession   = "/billcntl/clear_acctsession"
	pathUpdateExpiry   = "/billcntl/update_expiry"
	pathPassReset      = "/subapis/subpassreset"
	pathPlanApply      = "/finapis/msp_plan_applynow"
	pathKYCPending     = "/billcntl/kycpending"
	pathDeriveUsername = "/kycapis/derive_username"
	pathCreateSub      = "/kycapis/create_subscription"
	pathMarkVerified   = "/kycapis/kyc_mark_verified"
	pathTickets        = "/crmcntl/bill_tickets"
	pathCloseTicket    = "/crmcntl/close_ticket"
	pathTicketStatus   = "/crmcntl/change_ticketstatus"
	pathTicketReply    = "/crmcntl/bill_tickreply"
)

// statusOK is the portal's success marker in JSON envelopes.
const statusOK = "OK"

var (
	// ErrNotFound is returned when an expected row or link is absent.
	ErrNotFound = errors.New("portal: not found")
	// ErrSessionExpired is returned when a response proves the credential
	// pair went stale mid-operation (a JSON envelope with no STATUS field).
	ErrSessionExpired = errors.New("portal: session expired")
)

// StatusError reports a non-OK portal envelope.
type StatusError struct {
	Op     string
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: %s returned status %q", e.Op, e.Status)
}

// Status is the portal's JSON success envelope.
type Status struct {
	Status string `json:"STATUS"`
	Uname  string `json:"UNAME,omitempty"`
}

// CredentialSource supplies a fresh credential pair for each call.
type CredentialSource interface {
	Credentials(ctx context.Context) (session.CredentialPair, error)
}

// Client performs authenticated portal operations.
type Client struct {
	base      *url.URL
	http      *http.Client
	creds     CredentialSource
	csrfField string // form field carrying the primary cookie value
	logger    *slog.Logger
}

// NewClient creates a portal client. csrfField names the anti-forgery form
// field the portal expects on every post.
func NewClient(baseURL string, creds CredentialSource, csrfField string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("portal: base url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base: u,
		http: &http.Client{
			Timeout: 20 * time.Second,
			// Redirects carry search results; they are followed by hand.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		creds:     creds,
		csrfField: csrfField,
		logger:    logger,
	}, nil
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// form returns a url.Values pre-seeded with the CSRF field.
func (c *Client) form(pair session.CredentialPair) url.Values {
	v := url.Values{}
	v.Set(c.csrfField, pair.Primary.Value)
	return v
}

// postForm posts a form-encoded body with the session cookie header.
func (c *Client) postForm(ctx context.Context, pair session.CredentialPair, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Cookie", pair.Header())
	return c.http.Do(req)
}

// postStatus posts a form and decodes the portal's JSON envelope, turning a
// non-OK status into a StatusError.
func (c *Client) postStatus(ctx context.Context, pair session.CredentialPair, op, path string, form url.Values) (Status, error) {
	resp, err := c.postForm(ctx, pair, path, form)
	if err != nil {
		return Status{}, fmt.Errorf("portal: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("portal: %s: read body: %w", op, err)
	}

	// The envelope must at least carry STATUS; its absence means the portal
	// bounced the call to a login page because the cookies went stale.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Status{}, fmt.Errorf("%w (op %s)", ErrSessionExpired, op)
	}
	if _, ok := raw["STATUS"]; !ok {
		return Status{}, fmt.Errorf("%w (op %s)", ErrSessionExpired, op)
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, fmt.Errorf("portal: %s: parse envelope: %w", op, err)
	}
	if st.Status != statusOK {
		return st, &StatusError{Op: op, Status: st.Status}
	}
	return st, nil
}

// getDoc fetches a portal page and parses it.
func (c *Client) getDoc(ctx context.Context, pair session.CredentialPair, path string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}
	req.Header.Set("Cookie", pair.Header())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal: get %s: status %d", path, resp.StatusCode)
	}
	doc, err := parseHTML(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("portal: get %s: parse: %w", path, err)
	}
	return doc, nil
}

// followOrParse parses a response body as HTML, following a single redirect
// first when the portal answered with one. The caller closes resp.Body.
func (c *Client) followOrParse(ctx context.Context, pair session.CredentialPair, resp *http.Response) (*html.Node, error) {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, fmt.Errorf("redirect with no location")
		}
		return c.getDoc(ctx, pair, loc)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return parseHTML(resp.Body)
}

// postMultipart posts a multipart form with the session cookie header.
func (c *Client) postMultipart(ctx context.Context, pair session.CredentialPair, path string, fields map[string]string) (*http.Response, error) {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("portal: build multipart: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("portal: build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), strings.NewReader(body.String()))
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Cookie", pair.Header())
	return c.http.Do(req)
}
