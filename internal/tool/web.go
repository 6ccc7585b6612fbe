package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const webFetchTimeout = 30 * time.Second

func NewWebFetchTool(client *http.Client) *Tool {
	if client == nil {
		client = &http.Client{Timeout: webFetchTimeout}
	}
	return &Tool{
		Descriptor: Descriptor{
			Name:        "web_fetch",
			Description: "Fetch a URL over HTTP GET and return the response body.",
			Parameters: map[string]ParamSpec{
				"url": {Type: "string", Description: "The http(s) URL to fetch.", Required: true},
			},
		},
		Execute: func(ctx context.Context, args map[string]any, _ CallContext) (Result, error) {
			rawURL, ok := args["url"].(string)
			if !ok || rawURL == "" {
				return Result{Success: false, Error: "url must be a non-empty string"}, nil
			}
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return Result{Success: false, Error: "url must use http or https"}, nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return Result{Success: false, Error: err.Error()}, nil
			}
			resp, err := client.Do(req)
			if err != nil {
				return Result{Success: false, Error: err.Error()}, nil
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes+1))
			if err != nil {
				return Result{Success: false, Error: err.Error()}, nil
			}
			output := truncate(string(body), maxOutputBytes)
			if resp.StatusCode >= 400 {
				return Result{
					Success: false,
					Output:  output,
					Error:   fmt.Sprintf("http status %d", resp.StatusCode),
				}, nil
			}
			return Result{
				Success:  true,
				Output:   output,
				Metadata: map[string]string{"status": resp.Status, "content_type": resp.Header.Get("Content-Type")},
			}, nil
		},
	}
}
