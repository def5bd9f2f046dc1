package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

// BaseURLFunc resolves the server base URL at command execution time, so the
// embedding binary can read flags or environment after parsing.
type BaseURLFunc func() string

// requestJSON performs one HTTP round trip with a JSON body and decodes a
// JSON response into out (out may be nil). Non-2xx responses become errors
// carrying the server's message.
func requestJSON(ctx context.Context, method, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &remote) == nil && remote.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, remote.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// errNoContent marks a 204 response (claim with no ready work).
var errNoContent = fmt.Errorf("no content")

func getJSON(ctx context.Context, rawURL string, out any) error {
	return requestJSON(ctx, http.MethodGet, rawURL, nil, out)
}

// queueURL builds /v1/queues/{queue}{suffix} with the queue name escaped.
func queueURL(base, queue, suffix string) string {
	return base + "/v1/queues/" + url.PathEscape(queue) + suffix
}

// artifactURL builds /v1/artifacts/{key} with the key escaped.
func artifactURL(base, key string) string {
	return base + "/v1/artifacts/" + url.PathEscape(key)
}

// printJSON writes v to the command's stdout as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodedPayload renders a payload as parsed JSON, UTF-8 text, or base64,
// whichever fits first.
func decodedPayload(payload []byte) map[string]any {
	out := map[string]any{}
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
	return out
}
