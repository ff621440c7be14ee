// Package captcha consumes an external image-to-text recognizer.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Charset is the alphabet the portal's captcha images use. Recognized text is
// stripped to it before submission.
const Charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Solver turns a captcha image into its text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// HTTPSolver posts the image to a remote OCR service and normalizes the
// recognized text to Charset.
type HTTPSolver struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSolver creates a solver against the given OCR endpoint.
func NewHTTPSolver(endpoint string) *HTTPSolver {
	return &HTTPSolver{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Solve submits the image with the allowed charset and returns the
// normalized recognition result.
func (s *HTTPSolver) Solve(ctx context.Context, image []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "captcha.png")
	if err != nil {
		return "", fmt.Errorf("captcha: build request: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return "", fmt.Errorf("captcha: build request: %w", err)
	}
	if err := mw.WriteField("whitelist", Charset); err != nil {
		return "", fmt.Errorf("captcha: build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("captcha: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("captcha: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("captcha: recognize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("captcha: recognizer returned %d: %s", resp.StatusCode, snippet)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("captcha: parse response: %w", err)
	}

	text := Normalize(out.Text)
	if text == "" {
		return "", fmt.Errorf("captcha: recognizer produced no usable text")
	}
	return text, nil
}

// Normalize uppercases the input and drops every rune outside Charset.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
