package portal

import (
	"context"
	"fmt"
	"sync"
)

// SubscriberRow is one row of the subscriber search results table.
type SubscriberRow struct {
	ID          string
	Username    string
	LastLogin   string
	NextRenewal string
	Mobile      string
	DetailPath  string
}

// Subscriber is the enriched record used by account actions.
type Subscriber struct {
	Username     string
	MobileNo     string
	SubscriberID string
	Name         string
}

// SearchSubscriber posts a subscriber search and parses the results table the
// redirect lands on.
func (c *Client) SearchSubscriber(ctx context.Context, query string) ([]SubscriberRow, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	form := c.form(pair)
	form.Set("user-search", query)

	resp, err := c.postForm(ctx, pair, pathSearchSub, form)
	if err != nil {
		return nil, fmt.Errorf("portal: search subscriber: %w", err)
	}
	defer resp.Body.Close()

	// The portal answers the search with a redirect to the results page.
	doc, err := c.followOrParse(ctx, pair, resp)
	if err != nil {
		return nil, fmt.Errorf("portal: search subscriber: %w", err)
	}

	table := tableByClass(doc, "table-striped")
	var rows []SubscriberRow
	for _, tr := range tableRows(table) {
		cells := rowCells(tr)
		if len(cells) < 6 {
			continue
		}
		a := firstAnchor(cells[1])
		if a == nil {
			continue
		}
		rows = append(rows, SubscriberRow{
			ID:          textContent(cells[0]),
			Username:    textContent(a),
			LastLogin:   textContent(cells[3]),
			NextRenewal: textContent(cells[4]),
			Mobile:      textContent(cells[5]),
			DetailPath:  attrVal(a, "href"),
		})
	}
	return rows, nil
}

// LookupSubscriber resolves a code or 5-digit id to one subscriber record,
// fetching the detail page for the name.
func (c *Client) LookupSubscriber(ctx context.Context, query string) (*Subscriber, error) {
	rows, err := c.SearchSubscriber(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: subscriber %q", ErrNotFound, query)
	}
	row := rows[0]

	sub := &Subscriber{
		Username:     row.Username,
		MobileNo:     row.Mobile,
		SubscriberID: row.ID,
	}
	// The name only appears on the detail page; its absence is tolerable.
	if name, err := c.SubscriberName(ctx, row.DetailPath); err != nil {
		c.logger.Warn("subscriber detail fetch failed", "subscriber", row.ID, "error", err)
	} else {
		sub.Name = name
	}
	return sub, nil
}

// SubscriberName reads the Name row of the subscriber detail page.
func (c *Client) SubscriberName(ctx context.Context, detailPath string) (string, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return "", err
	}
	doc, err := c.getDoc(ctx, pair, detailPath)
	if err != nil {
		return "", err
	}

	table := tableByClass(doc, "table-bordered", "table-condensed", "table-striped")
	for _, tr := range tableRows(table) {
		cells := rowCells(tr)
		if len(cells) >= 2 && textContent(cells[0]) == "Name" {
			return textContent(cells[1]), nil
		}
	}
	return "", fmt.Errorf("%w: name row", ErrNotFound)
}

// ResetSession clears the subscriber's accounting session. Both subsystem
// calls run in parallel and both must succeed.
func (c *Client) ResetSession(ctx context.Context, username string) (bool, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return false, err
	}
	form := c.form(pair)
	form.Set("uname", username)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, path := range []string{pathEndSession, pathClearSession} {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			_, results[i] = c.postStatus(ctx, pair, "reset session", path, form)
		}(i, path)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// PasswordResetResult reports the two subsystems a reset touches.
type PasswordResetResult struct {
	Portal   bool
	Internet bool
}

// Both reports whether the reset landed on both subsystems.
func (r PasswordResetResult) Both() bool { return r.Portal && r.Internet }

// ResetPassword resets the subscriber's password on the billing portal and
// the connectivity subsystem in parallel.
func (c *Client) ResetPassword(ctx context.Context, subscriberID, mobileNo string) (PasswordResetResult, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return PasswordResetResult{}, err
	}

	post := func(flag string) error {
		form := c.form(pair)
		form.Set("subid", subscriberID)
		form.Set("mobileno", mobileNo)
		form.Set("flag", flag)
		_, err := c.postStatus(ctx, pair, "password reset "+flag, pathPassReset, form)
		return err
	}

	var wg sync.WaitGroup
	var portalErr, netErr error
	wg.Add(2)
	go func() { defer wg.Done(); portalErr = post("Bill") }()
	go func() { defer wg.Done(); netErr = post("Internet") }()
	wg.Wait()

	res := PasswordResetResult{Portal: portalErr == nil, Internet: netErr == nil}
	if portalErr != nil {
		return res, portalErr
	}
	if netErr != nil {
		return res, netErr
	}
	return res, nil
}

// ReactivateID pushes the subscriber's expiry forward, reactivating a
// deactivated account.
func (c *Client) ReactivateID(ctx context.Context, subscriberID string) (bool, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return false, err
	}
	form := c.form(pair)
	form.Set("subid", subscriberID)
	if _, err := c.postStatus(ctx, pair, "reactivate", pathUpdateExpiry, form); err != nil {
		return false, err
	}
	return true, nil
}

// SessionActive probes whether the subscriber's connectivity session is up:
// search → detail page → current-month usage page; the presence of the
// disconnect control marks an active session.
func (c *Client) SessionActive(ctx context.Context, subscriberCode string) (bool, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return false, err
	}

	form := c.form(pair)
	form.Set("user-search", subscriberCode)
	resp, err := c.postForm(ctx, pair, pathSearchSub, form)
	if err != nil {
		return false, fmt.Errorf("portal: session probe: %w", err)
	}
	defer resp.Body.Close()
	doc, err := c.followOrParse(ctx, pair, resp)
	if err != nil {
		return false, fmt.Errorf("portal: session probe: %w", err)
	}

	detail := anchorByHrefPrefix(doc, "/billcntl/subscriptiondetail/")
	if detail == nil {
		return false, fmt.Errorf("%w: subscription detail link", ErrNotFound)
	}
	detailDoc, err := c.getDoc(ctx, pair, attrVal(detail, "href"))
	if err != nil {
		return false, err
	}

	usage := anchorByHrefPrefix(detailDoc, "/billcntl/currentmonthdatause/")
	if usage == nil {
		return false, fmt.Errorf("%w: data usage link", ErrNotFound)
	}
	usageDoc, err := c.getDoc(ctx, pair, attrVal(usage, "href"))
	if err != nil {
		return false, err
	}

	return byID(usageDoc, "cusdiscon_btn") != nil, nil
}

