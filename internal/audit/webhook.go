package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// permanentError marks a response that retrying cannot fix.
type permanentError struct {
	msg string
}

func (e *permanentError) Error() string { return e.msg }

// send posts r to t in the target's payload format.
func send(ctx context.Context, client *http.Client, t Target, r Record) error {
	var payload any
	switch t.Type {
	case "slack":
		payload = map[string]string{"text": "*[AUDIT]* " + summary(r)}
	case "http", "":
		payload = map[string]any{"audit": r}
	default:
		return &permanentError{msg: fmt.Sprintf("unknown webhook type %q", t.Type)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return post(ctx, client, t.URL, body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &permanentError{msg: fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode)}
	}
	return nil
}
