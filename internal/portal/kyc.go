package portal

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Work item status tags as the worklist page renders them.
const (
	ItemSubmitted = "submitted" // evidence review pending
	ItemVerified  = "verified"  // verified, awaiting provisioning
)

// WorkItem is one row of the pending-application worklist.
type WorkItem struct {
	TabID      string
	Status     string
	DetailPath string
}

// HiddenInputs are the provisioning fields embedded in an application detail
// form, normalized to lower case the way the portal's own scripts post them.
type HiddenInputs struct {
	FirstName string
	TabID     string
	PkgGroup  string
	PkgID     string
	Partner   string
	VLAN      string
	CAFType   string
	MobileNo  string
}

// Complete reports whether the fields required for provisioning are present.
func (h HiddenInputs) Complete() bool {
	return h.TabID != "" && h.PkgGroup != "" && h.PkgID != ""
}

// ProfileRow is one label/value line of an application's profile section.
type ProfileRow struct {
	Name  string
	Value string
}

// ApplicationDetail is the parsed application page.
type ApplicationDetail struct {
	Hidden            HiddenInputs
	EvidencePresent   bool // address-proof artifact uploaded
	MobileNo          string
	ProfileRows       []ProfileRow
	ExistingUsername  string
	AssociatedPartner string // normalized partner name
}

// Worklist lists the pending-application worklist.
func (c *Client) Worklist(ctx context.Context) ([]WorkItem, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := c.getDoc(ctx, pair, pathKYCPending)
	if err != nil {
		return nil, err
	}

	var items []WorkItem
	for _, tr := range tableRows(tableByClass(doc, "table")) {
		cells := rowCells(tr)
		if len(cells) < 3 {
			continue
		}
		a := firstAnchor(cells[2])
		if a == nil {
			continue
		}
		href := attrVal(a, "href")
		items = append(items, WorkItem{
			TabID:      tabIDFromPath(href),
			Status:     strings.ToLower(textContent(cells[1])),
			DetailPath: href,
		})
	}
	return items, nil
}

// tabIDFromPath pulls the application id out of a detail link
// (/billcntl/kycdetail/<id>/...).
func tabIDFromPath(href string) string {
	parts := strings.Split(href, "/")
	if len(parts) > 3 {
		return parts[3]
	}
	return ""
}

// ApplicationDetail fetches and parses one application page.
func (c *Client) ApplicationDetail(ctx context.Context, detailPath string) (*ApplicationDetail, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := c.getDoc(ctx, pair, detailPath)
	if err != nil {
		return nil, err
	}

	d := &ApplicationDetail{
		Hidden: HiddenInputs{
			FirstName: strings.ToLower(inputValue(doc, "firstname")),
			TabID:     strings.ToLower(inputValue(doc, "oltabid")),
			PkgGroup:  strings.ToLower(inputValue(doc, "pggroupid")),
			PkgID:     strings.ToLower(inputValue(doc, "pkgid")),
			Partner:   strings.ToLower(inputValue(doc, "anp")),
			VLAN:      strings.ToLower(selectedOption(doc, "vlanid")),
			CAFType:   strings.ToLower(inputValue(doc, "caf_type")),
			MobileNo:  strings.ToLower(inputValue(doc, "mobileno")),
		},
	}

	d.ExistingUsername = strings.TrimSpace(inputValueByID(doc, "uname"))
	if d.ExistingUsername == "" {
		d.ExistingUsername = strings.TrimSpace(inputValueByID(doc, "dusername_org"))
	}

	// Profile rows: label in .profile-info-name, value in the span under
	// .profile-info-value; links are surfaced as absolute URLs.
	for _, row := range findAll(doc, func(n *html.Node) bool { return hasClass(n, "profile-info-row") }) {
		name := findFirst(row, func(n *html.Node) bool { return hasClass(n, "profile-info-name") })
		value := findFirst(row, func(n *html.Node) bool { return hasClass(n, "profile-info-value") })
		if name == nil || value == nil {
			continue
		}
		label := textContent(name)
		text := textContent(value)
		if a := firstAnchor(value); a != nil {
			text = "View >> " + c.resolve(attrVal(a, "href"))
		}
		d.ProfileRows = append(d.ProfileRows, ProfileRow{Name: label, Value: text})

		switch {
		case strings.Contains(label, "Address Proof Copy"):
			d.EvidencePresent = !strings.EqualFold(strings.TrimSpace(textContent(value)), "file not exists")
		case strings.Contains(label, "Mobile No."):
			d.MobileNo = strings.TrimSpace(textContent(value))
		case strings.Contains(label, "Associated Partner"):
			d.AssociatedPartner = strings.ToLower(strings.TrimSpace(textContent(value)))
		}
	}

	// Some layouts render the partner outside the profile rows.
	if d.AssociatedPartner == "" {
		if nameCell := findFirst(doc, func(n *html.Node) bool {
			return hasClass(n, "profile-info-name") && strings.Contains(textContent(n), "Associated Partner")
		}); nameCell != nil {
			if sib := nextElementSibling(nameCell); sib != nil {
				d.AssociatedPartner = strings.ToLower(strings.TrimSpace(textContent(sib)))
			}
		}
	}

	return d, nil
}

// MarkVerified approves an application's evidence review.
func (c *Client) MarkVerified(ctx context.Context, tabID, mobileNo string) error {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	form := c.form(pair)
	form.Set("oltabid", tabID)
	form.Set("mobileno_dual", mobileNo)
	_, err = c.postStatus(ctx, pair, "mark verified", pathMarkVerified, form)
	return err
}

// DeriveUsername asks the portal to validate/derive a username candidate.
// A non-OK envelope is returned as a StatusError so callers can probe
// numbered suffixes.
func (c *Client) DeriveUsername(ctx context.Context, firstName, candidate string) (string, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return "", err
	}
	form := c.form(pair)
	form.Set("fname", firstName)
	form.Set("lname", "")
	form.Set("mod_username", candidate)

	st, err := c.postStatus(ctx, pair, "derive username", pathDeriveUsername, form)
	if err != nil {
		return "", err
	}
	if st.Uname == "" {
		return candidate, nil
	}
	return st.Uname, nil
}

// CreateSubscription provisions the subscription for an application.
func (c *Client) CreateSubscription(ctx context.Context, h HiddenInputs, username string) error {
	if !h.Complete() {
		return fmt.Errorf("portal: create subscription: required hidden inputs missing")
	}
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	form := c.form(pair)
	form.Set("oltabid", h.TabID)
	form.Set("uname", username)
	form.Set("pggroupid", h.PkgGroup)
	form.Set("pkgid", h.PkgID)
	form.Set("anp", h.Partner)
	form.Set("vlanid", h.VLAN)
	form.Set("caf_type", h.CAFType)
	form.Set("mobileno", h.MobileNo)

	_, err = c.postStatus(ctx, pair, "create subscription", pathCreateSub, form)
	return err
}
