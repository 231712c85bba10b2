// Package api is the typed client for the chat backend: authentication,
// silent access-token refresh, and every REST endpoint the screens consume.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sync/singleflight"

	"github.com/magic2k/magichat/internal/store"
)

var log = logging.MustGetLogger("api")

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://magic2k.com"

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
	store   *store.Store
	timeout time.Duration

	// refresh is single-flight: when several in-flight requests hit 401 at
	// once they share one refresh call and all retry with the same token.
	refresh singleflight.Group
}

func New(baseURL string, st *store.Store) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		store:   st,
		timeout: defaultTimeout,
	}
}

// SetTimeout overrides the per-request deadline.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) BaseURL() string { return c.baseURL }

// request performs one authenticated call. On a 401 it refreshes the access
// token once and retries the original request once; a refresh failure or a
// second 401 clears the session. No other retries happen here.
func (c *Client) request(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token := c.store.AccessToken()
	resp, err := c.send(ctx, method, path, contentType, body, token)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	// A 401 on a request that carried no token is a plain rejection (wrong
	// credentials on login, say), not an expired session.
	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		drain(resp)
		token, err := c.refreshAccessToken(ctx)
		if err != nil {
			log.Infof("token refresh failed, clearing session: %s", err)
			if clearErr := c.store.ClearTokens(); clearErr != nil {
				log.Warningf("clear tokens: %s", clearErr)
			}
			return nil, &SessionExpiredError{}
		}
		resp, err = c.send(ctx, method, path, contentType, body, token)
		if err != nil {
			return nil, &NetworkError{Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			// Refreshed token rejected as well; this session is done.
			drain(resp)
			if clearErr := c.store.ClearTokens(); clearErr != nil {
				log.Warningf("clear tokens: %s", clearErr)
			}
			return nil, &SessionExpiredError{}
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

// requestPublic performs an unauthenticated call: no bearer token attached and
// no refresh handling. Login, register and refresh sit outside the session; a
// 401 here is a plain rejection and must never touch the stored tokens.
func (c *Client) requestPublic(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, method, path, contentType, body, "")
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// refreshAccessToken trades the stored refresh token for a new access token
// and persists it. Concurrent callers collapse into one upstream call.
func (c *Client) refreshAccessToken(ctx context.Context) (string, error) {
	v, err, _ := c.refresh.Do("refresh", func() (interface{}, error) {
		refresh := c.store.RefreshToken()
		if refresh == "" {
			return nil, errors.New("no refresh token stored")
		}
		payload, _ := json.Marshal(map[string]string{"refresh": refresh})
		resp, err := c.send(ctx, http.MethodPost, "/api/auth/refresh", "application/json", payload, "")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
		}
		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		if out.Token == "" {
			return nil, errors.New("refresh response without token")
		}
		if err := c.store.SaveTokens(out.Token, ""); err != nil {
			return nil, err
		}
		log.Debug("access token refreshed")
		return out.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// errorFromResponse extracts the backend's {msg} body; 5xx answers get a
// generic message regardless of what the server said.
func errorFromResponse(status int, body []byte) error {
	msg := "unknown error"
	var parsed struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Msg != "" {
		msg = parsed.Msg
	}
	if status >= 500 {
		msg = "the server is not responding correctly, try again later"
	}
	return &APIError{Status: status, Message: msg}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.request(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	data, err := c.request(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
