package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// defaultServerURL is where client commands look for a DueCall instance
// when neither --url nor DUECALL_URL is set.
const defaultServerURL = "http://127.0.0.1:8377"

// serverBaseURL resolves the API base URL from the --url flag, then the
// DUECALL_URL environment variable, then the default localhost address.
func serverBaseURL(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := os.Getenv("DUECALL_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultServerURL
}

// internalSecret resolves the API secret from the --secret flag, then the
// DUECALL_INTERNAL_SECRET environment variable. Empty means the server
// runs without a secret (development mode).
func internalSecret(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("secret"); v != "" {
		return v
	}
	return os.Getenv("DUECALL_INTERNAL_SECRET")
}

// apiRequest makes an authenticated request to the DueCall API and returns
// the response alongside its fully read body.
func apiRequest(cmd *cobra.Command, method, path string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, serverBaseURL(cmd)+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := internalSecret(cmd); secret != "" {
		req.Header.Set("X-Internal-Secret", secret)
	}

	resp, err := cliHTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, respBody, nil
}

// serverError turns an API error response into a readable error. It
// understands the {"error": ...} and {"errors": {field: ...}} envelopes
// and falls back to the raw body.
func serverError(status int, body []byte) error {
	var single struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &single); err == nil && single.Error != "" {
		return fmt.Errorf("server returned %d: %s", status, single.Error)
	}

	var fields struct {
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &fields); err == nil && len(fields.Errors) > 0 {
		msgs := make([]string, 0, len(fields.Errors))
		for _, msg := range fields.Errors {
			msgs = append(msgs, msg)
		}
		sort.Strings(msgs)
		return fmt.Errorf("server returned %d: %s", status, strings.Join(msgs, "; "))
	}

	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}
