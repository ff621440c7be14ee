package portal

import (
	"context"
)

// PlanForm carries the hidden fields of a subscriber's plan-change form.
type PlanForm struct {
	SubID        string
	Status       string
	OldPkgID     string
	VerifyHidden string
}

// PlanForm scrapes the plan-change form off a subscriber detail page.
func (c *Client) PlanForm(ctx context.Context, detailPath string) (PlanForm, error) {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return PlanForm{}, err
	}
	doc, err := c.getDoc(ctx, pair, detailPath)
	if err != nil {
		return PlanForm{}, err
	}
	return PlanForm{
		SubID:        inputValueByID(doc, "subid"),
		Status:       inputValueByID(doc, "status"),
		OldPkgID:     inputValueByID(doc, "oldpackageid"),
		VerifyHidden: inputValueByID(doc, "verifyHidden"),
	}, nil
}

// ChangePlan applies a new package to a subscription.
func (c *Client) ChangePlan(ctx context.Context, f PlanForm, username, newPkgID string) error {
	pair, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	form := c.form(pair)
	form.Set("verifyHidden", f.VerifyHidden)
	form.Set("subid", f.SubID)
	form.Set("pkgid", newPkgID)
	form.Set("status", f.Status)
	form.Set("uname", username)
	form.Set("oldpkgid", f.OldPkgID)

	_, err = c.postStatus(ctx, pair, "change plan", pathPlanApply, form)
	return err
}
