package client

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

// APIError carries a server-side rejection.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to a transfer server over HTTP.
type Client struct {
	baseURL      string
	http         *http.Client
	sessionToken string
}

// New creates a client for the given server base URL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// SessionToken returns the token obtained by Login, empty before it.
func (c *Client) SessionToken() string {
	return c.sessionToken
}

// Login exchanges credentials for a session token, kept on the client for
// subsequent calls.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.postJSON(ctx, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return err
	}
	c.sessionToken = out.Token
	return nil
}

// SendReceipt echoes the server's response to a send.
type SendReceipt struct {
	TransferID string `json:"transfer_id"`
	AccessCode string `json:"access_code"`
	Generated  bool   `json:"access_code_generated"`
	FileCount  int    `json:"file_count"`
}

// Send uploads a batch of files addressed to receiverID. An empty accessCode
// asks the server to generate one; the receipt carries it either way.
func (c *Client) Send(ctx context.Context, receiverID, accessCode string, uploads []Upload) (*SendReceipt, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("receiver_id", receiverID); err != nil {
		return nil, err
	}
	if accessCode != "" {
		if err := mw.WriteField("access_code", accessCode); err != nil {
			return nil, err
		}
	}
	for _, u := range uploads {
		fw, err := mw.CreateFormFile("files", u.Filename)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(u.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/transfers", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	var receipt SendReceipt
	if err := c.do(req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Incoming is one entry of the received-transfers listing.
type Incoming struct {
	TransferID  string `json:"transfer_id"`
	SenderEmail string `json:"sender_email"`
	Status      string `json:"status"`
	FileCount   int    `json:"file_count"`
}

// Inbox lists the caller's received transfers.
func (c *Client) Inbox(ctx context.Context) ([]Incoming, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/transfers/received", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	var list []Incoming
	if err := c.do(req, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Verify exchanges an access code for a short-lived transfer token.
func (c *Client) Verify(ctx context.Context, transferID, accessCode string) (string, error) {
	var out struct {
		TransferToken string `json:"transfer_token"`
	}
	err := c.postJSON(ctx, "/api/transfers/"+transferID+"/verify", map[string]string{
		"access_code": accessCode,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TransferToken, nil
}

// FetchBundle streams the transfer's ZIP bundle into w using a transfer token.
func (c *Client) FetchBundle(ctx context.Context, transferID, transferToken string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/transfers/"+transferID+"/bundle", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Transfer-Token", transferToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
