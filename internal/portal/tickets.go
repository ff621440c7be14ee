package portal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Ticket status tags the triage pass acts on.
const (
	TicketOpen     = "open"
	TicketProgress = "progress"
)

// TicketRow is one row of the support ticket listing.
type TicketRow struct {
	ID       string
	ViewPath string
	Status   string
	Subject  string // lower-cased for keyword matching
}

var reTicketView = regexp.MustCompile(`/billticketview/(\d+)/`)

// ticketPageOffsets is the fixed page depth the triage pass walks.
var ticketPageOffsets = []string{"", "30", "60"}

// Tickets lists the first three pages of the support ticket queue.
func (c *Client) Tickets(ctx context.Context) ([]TicketRow, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	var tickets []TicketRow
	for _, offset := range ticketPageOffsets {
		path := pathTickets
		if offset != "" {
			path += "/" + offset
		}
		doc, err := c.getDoc(ctx, pair, path)
		if err != nil {
			return nil, err
		}

		table := byID(doc, "results")
		for _, tr := range tableRows(table) {
			cells := rowCells(tr)
			if len(cells) < 8 {
				continue
			}
			a := firstAnchor(cells[len(cells)-1])
			if a == nil {
				continue
			}
			href := attrVal(a, "href")
			m := reTicketView.FindStringSubmatch(href)
			if m == nil {
				continue
			}
			tickets = append(tickets, TicketRow{
				ID:       m[1],
				ViewPath: href,
				Status:   strings.ToLower(textContent(cells[7])),
				Subject:  strings.ToLower(textContent(cells[4])),
			})
		}
	}
	return tickets, nil
}

// TicketSubscriber reads the subscriber code off a ticket's detail page.
func (c *Client) TicketSubscriber(ctx context.Context, viewPath string) (string, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return "", err
	}
	doc, err := c.getDoc(ctx, pair, viewPath)
	if err != nil {
		return "", err
	}

	table := tableByClass(doc, "table-bordered", "table-striped", "table-condensed")
	for _, tr := range tableRows(table) {
		cells := rowCells(tr)
		if len(cells) >= 2 && strings.EqualFold(textContent(cells[0]), "subscriber") {
			return textContent(cells[1]), nil
		}
	}
	return "", fmt.Errorf("%w: subscriber row on ticket page", ErrNotFound)
}

// CloseTicket closes a ticket with a public response.
func (c *Client) CloseTicket(ctx context.Context, ticketID, response string) error {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	form := c.form(pair)
	form.Set("ticketid", ticketID)
	form.Set("response", response)

	resp, err := c.postForm(ctx, pair, pathCloseTicket, form)
	if err != nil {
		return fmt.Errorf("portal: close ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal: close ticket %s: status %d", ticketID, resp.StatusCode)
	}
	return nil
}

// AssignTicket moves a ticket to in-progress, assigned to a partner.
func (c *Client) AssignTicket(ctx context.Context, ticketID, partnerID string) error {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	form := c.form(pair)
	form.Set("assignedto", partnerID)
	form.Set("ticketid", ticketID)
	form.Set("status", TicketProgress)
	form.Set("selected_type", "LCO")

	resp, err := c.postForm(ctx, pair, pathTicketStatus, form)
	if err != nil {
		return fmt.Errorf("portal: assign ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal: assign ticket %s: status %d", ticketID, resp.StatusCode)
	}
	return nil
}

// ReplyTicket posts a public reply on a ticket.
func (c *Client) ReplyTicket(ctx context.Context, ticketID, content string) error {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	resp, err := c.postMultipart(ctx, pair, pathTicketReply, map[string]string{
		c.csrfField: pair.Primary.Value,
		"ticketid":  ticketID,
		"content":   content,
	})
	if err != nil {
		return fmt.Errorf("portal: reply ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal: reply ticket %s: status %d", ticketID, resp.StatusCode)
	}
	return nil
}
