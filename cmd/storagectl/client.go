package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/keboola/storage-backend/internal/config"
	"github.com/keboola/storage-backend/internal/debug"
	"github.com/keboola/storage-backend/internal/errs"
)

// apiClient is the CLI's thin REST client. storagectl is the one
// first-party caller of the server's own REST surface kept in-repo; fuller
// SDK ergonomics live elsewhere.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// resolveConnection applies, in ascending precedence: the named profile file,
// STORAGE_BACKEND_URL/STORAGE_BACKEND_API_KEY, then --server/--api-key.
func resolveConnection() (addr, apiKey string, err error) {
	if path, perr := config.DefaultProfilesPath(); perr == nil {
		if prof, lerr := config.LoadProfile(path, flagProfile); lerr == nil {
			addr, apiKey = prof.ServerAddr, prof.AdminToken
		} else if flagProfile != "" && errs.CodeOf(lerr) != errs.NotFound {
			return "", "", lerr
		}
	}
	if v := os.Getenv("STORAGE_BACKEND_URL"); v != "" {
		addr = v
	}
	if v := os.Getenv("STORAGE_BACKEND_API_KEY"); v != "" {
		apiKey = v
	}
	if flagServerAddr != "" {
		addr = flagServerAddr
	}
	if flagAPIKey != "" {
		apiKey = flagAPIKey
	}
	if addr == "" {
		return "", "", configErrorf("no server address configured: pass --server, set STORAGE_BACKEND_URL, or select a --profile")
	}
	return strings.TrimSuffix(addr, "/"), apiKey, nil
}

func newClient() (*apiClient, error) {
	addr, key, err := resolveConnection()
	if err != nil {
		return nil, err
	}
	return &apiClient{baseURL: addr, apiKey: key, http: &http.Client{Timeout: 60 * time.Second}}, nil
}

// do issues method against path with an optional JSON body, decoding a JSON
// response into out (nil to discard the body). --dry-run short-circuits
// write methods before any request leaves the process.
func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, "encoding request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	if flagDryRun && method != http.MethodGet {
		debug.PrintlnNormal(fmt.Sprintf("[dry-run] %s %s%s %s", method, c.baseURL, path, string(encoded)))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.Internal, "building request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.IOFailure, "contacting server", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.IOFailure, "reading response", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errs.Wrap(errs.Internal, "decoding response", err)
	}
	return nil
}

// getReader issues a GET and returns the raw response body, for streaming
// endpoints (export, file download) that aren't JSON.
func (c *apiClient) getReader(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "building request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "contacting server", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// postReader issues a POST with a streamed body (table import).
func (c *apiClient) postReader(ctx context.Context, path string, body io.Reader, out any) error {
	return c.streamRequest(ctx, http.MethodPost, path, body, out)
}

// putReader issues a PUT with a streamed body (file upload, S3 put).
func (c *apiClient) putReader(ctx context.Context, path string, body io.Reader, out any) error {
	return c.streamRequest(ctx, http.MethodPut, path, body, out)
}

func (c *apiClient) streamRequest(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.Internal, "building request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.IOFailure, "contacting server", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.IOFailure, "reading response", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

func copyAll(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}
