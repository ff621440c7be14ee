// Package login drives the CAPTCHA-gated portal login handshake in a
// headless browser and harvests the two session cookies.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/wirebot-io/wirebot/internal/captcha"
	"github.com/wirebot-io/wirebot/internal/session"
)

var (
	// ErrCaptchaUnreadable is returned when the recognizer cannot produce a
	// usable answer for the captcha image.
	ErrCaptchaUnreadable = errors.New("login: captcha unreadable")
	// ErrBadDestination is returned when the post-submit navigation does not
	// land inside an authenticated area.
	ErrBadDestination = errors.New("login: unexpected destination after submit")
	// ErrCookiesMissing is returned when either required cookie is absent
	// after an otherwise successful login.
	ErrCookiesMissing = errors.New("login: required cookies not present")
)

// Login form selectors on the portal's login page.
const (
	selLoginBox     = "#login-box"
	selUsername     = "#username"
	selPassword     = "#password"
	selCaptchaInput = "#code"
	selCaptchaImage = "#captcha_code"
	selSubmit       = "#btn_rlogin"
)

// Config holds everything one handshake needs.
type Config struct {
	LoginURL          string
	Username          string
	Password          string
	AuthPathPrefixes  []string // URL path prefixes that mark an authenticated area
	PrimaryCookieName string
	SessionCookieName string
	BrowserPath       string // optional explicit browser binary
	NavTimeout        time.Duration
	FormTimeout       time.Duration
}

// Client performs login handshakes. Each attempt opens and tears down its own
// browser session; the browser is released on every exit path.
type Client struct {
	cfg    Config
	solver captcha.Solver
	logger *slog.Logger
}

// NewClient creates a login client.
func NewClient(cfg Config, solver captcha.Solver, logger *slog.Logger) *Client {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.FormTimeout <= 0 {
		cfg.FormTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, solver: solver, logger: logger}
}

// Login runs one full handshake: navigate, wait for the form, solve the
// captcha, submit credentials, validate the destination, read the cookies.
func (c *Client) Login(ctx context.Context) (session.CredentialPair, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
	)
	if c.cfg.BrowserPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.BrowserPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// Navigate and wait for the login form to become interactive.
	navCtx, cancelNav := context.WithTimeout(browserCtx, c.cfg.NavTimeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx, chromedp.Navigate(c.cfg.LoginURL)); err != nil {
		return session.CredentialPair{}, fmt.Errorf("login: navigate: %w", err)
	}

	formCtx, cancelForm := context.WithTimeout(browserCtx, c.cfg.FormTimeout)
	defer cancelForm()
	if err := chromedp.Run(formCtx, chromedp.WaitVisible(selLoginBox, chromedp.ByQuery)); err != nil {
		return session.CredentialPair{}, fmt.Errorf("login: login form never ready: %w", err)
	}

	// Capture and solve the captcha image.
	var image []byte
	if err := chromedp.Run(formCtx,
		chromedp.Screenshot(selCaptchaImage, &image, chromedp.NodeVisible, chromedp.ByQuery),
	); err != nil {
		return session.CredentialPair{}, fmt.Errorf("login: capture captcha: %w", err)
	}
	answer, err := c.solver.Solve(ctx, image)
	if err != nil {
		return session.CredentialPair{}, fmt.Errorf("%w: %v", ErrCaptchaUnreadable, err)
	}

	// Fill credentials and submit.
	submitCtx, cancelSubmit := context.WithTimeout(browserCtx, c.cfg.NavTimeout)
	defer cancelSubmit()
	if err := chromedp.Run(submitCtx,
		chromedp.SetValue(selUsername, c.cfg.Username, chromedp.ByQuery),
		chromedp.SetValue(selPassword, c.cfg.Password, chromedp.ByQuery),
		chromedp.SetValue(selCaptchaInput, answer, chromedp.ByQuery),
		chromedp.Click(selSubmit, chromedp.ByQuery),
	); err != nil {
		return session.CredentialPair{}, fmt.Errorf("login: submit: %w", err)
	}

	dest, err := c.awaitNavigation(submitCtx)
	if err != nil {
		return session.CredentialPair{}, err
	}
	if !Authenticated(dest, c.cfg.AuthPathPrefixes) {
		return session.CredentialPair{}, fmt.Errorf("%w: %s", ErrBadDestination, dest)
	}

	// Harvest the two named session cookies.
	var cookies []*network.Cookie
	err = chromedp.Run(submitCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return session.CredentialPair{}, fmt.Errorf("login: read cookies: %w", err)
	}

	pair, ok := ExtractPair(cookies, c.cfg.PrimaryCookieName, c.cfg.SessionCookieName)
	if !ok {
		return session.CredentialPair{}, ErrCookiesMissing
	}
	c.logger.Debug("login handshake complete", "destination", dest)
	return pair, nil
}

// awaitNavigation polls the page location until it leaves the login URL.
func (c *Client) awaitNavigation(ctx context.Context) (string, error) {
	for {
		var loc string
		if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
			return "", fmt.Errorf("login: await navigation: %w", err)
		}
		if loc != "" && loc != c.cfg.LoginURL {
			return loc, nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return "", fmt.Errorf("login: await navigation: %w", ctx.Err())
		}
	}
}

// Authenticated reports whether rawURL's path starts with any of the
// authenticated-area prefixes.
func Authenticated(rawURL string, prefixes []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(u.Path, p) {
			return true
		}
	}
	return false
}

// ExtractPair picks the two named cookies out of the browser's cookie jar.
func ExtractPair(cookies []*network.Cookie, primaryName, sessionName string) (session.CredentialPair, bool) {
	var pair session.CredentialPair
	for _, ck := range cookies {
		switch ck.Name {
		case primaryName:
			pair.Primary = session.Cookie{Name: ck.Name, Value: ck.Value}
		case sessionName:
			pair.Session = session.Cookie{Name: ck.Name, Value: ck.Value}
		}
	}
	return pair, pair.Valid()
}
