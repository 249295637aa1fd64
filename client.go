// Package chatsync keeps a client-side, ordered view of chat threads and
// their messages in sync with a backing store.
//
// Three channels feed the view: paginated fetches, a token stream that
// grows the reply being generated, and a realtime subscription carrying
// create/update/delete notifications from every client. Writes show up
// immediately as placeholders and are replaced by their authoritative
// record once it arrives.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com", chatsync.WithToken(token))
//	session := chatsync.NewSession(client, userID, chatsync.WithStreamer(client))
//	defer session.Close()
//
//	_ = session.LoadChats(ctx)
//	_ = session.OpenChat(ctx, chatID)
//	session.Messages.Observe(func(s chatsync.Snapshot) { render(s.Entries) })
//	tempID, _ := session.SendMessage(ctx, chatsync.Draft{Content: "hi"}, chatsync.SendOptions{})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Client
// ============================================================================

const DefaultTimeout = 30 * time.Second

// Client talks to a PocketBase-style backing store over HTTP. It implements
// Store, Subscriber and Streamer.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; streams live as long as the
	// generation does.
	streamClient *http.Client
	realtime     RealtimeConfig
	useWS        bool
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
		c.streamClient = &http.Client{Transport: client.Transport, Jar: client.Jar}
	}
}

// WithRealtimeConfig tunes reconnects and heartbeats of subscriptions.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

// WithWebSocket makes Subscribe use the WebSocket transport instead of SSE.
func WithWebSocket() ClientOption {
	return func(c *Client) { c.useWS = true }
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the store address.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	apiErr.Status = status
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

func collectionPath(c Collection) string {
	return "/api/collections/" + url.PathEscape(c.Name)
}

func recordsPath(c Collection) string {
	return collectionPath(c) + "/records"
}

// ownerFilter renders the store filter scoping c to owner.
func ownerFilter(c Collection, owner string) string {
	return fmt.Sprintf("%s = %s", c.OwnerField, strconv.Quote(owner))
}

// ============================================================================
// Auth
// ============================================================================

// AuthResult is the response of a password sign-in.
type AuthResult struct {
	Token  string
	Record Entry
}

type authResponse struct {
	Token  string          `json:"token"`
	Record json.RawMessage `json:"record"`
}

// usersCollection holds accounts; it has no owner field.
var usersCollection = Collection{Name: "users"}

// AuthWithPassword signs in and stores the returned token on the client.
func (c *Client) AuthWithPassword(ctx context.Context, identity, password string) (*AuthResult, error) {
	body := map[string]string{"identity": identity, "password": password}
	data, err := c.doRequest(ctx, http.MethodPost, collectionPath(usersCollection)+"/auth-with-password", body, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[authResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, errors.New("auth response has no token")
	}
	rec, err := decodeRecordJSON(usersCollection, resp.Record)
	if err != nil {
		return nil, errors.Wrap(err, "decode auth record")
	}
	c.SetToken(resp.Token)
	return &AuthResult{Token: resp.Token, Record: rec}, nil
}

// Health checks that the store is up.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// ============================================================================
// Store
// ============================================================================

type listResponse struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalItems int               `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
	Items      []json.RawMessage `json:"items"`
}

// ListPage fetches one page of q.OwnerKey's list, newest first.
func (c *Client) ListPage(ctx context.Context, q ListQuery) (*ListResult, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(q.Page))
	query.Set("perPage", strconv.Itoa(q.PageSize))
	query.Set("sort", "-created")
	query.Set("filter", ownerFilter(q.Collection, q.OwnerKey))

	data, err := c.doRequest(ctx, http.MethodGet, recordsPath(q.Collection), nil, query)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[listResponse](data)
	if err != nil {
		return nil, err
	}

	res := &ListResult{
		Page:       resp.Page,
		PerPage:    resp.PerPage,
		TotalItems: resp.TotalItems,
		TotalPages: resp.TotalPages,
		Items:      make([]Entry, 0, len(resp.Items)),
	}
	for i, raw := range resp.Items {
		e, err := decodeRecordJSON(q.Collection, raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s item %d", q.Collection.Name, i)
		}
		res.Items = append(res.Items, e)
	}
	return res, nil
}

// CreateEntry persists d and returns the stored record.
func (c *Client) CreateEntry(ctx context.Context, coll Collection, d Draft) (*Entry, error) {
	data, err := c.doRequest(ctx, http.MethodPost, recordsPath(coll), d.body(coll), nil)
	if err != nil {
		return nil, err
	}
	e, err := decodeRecordJSON(coll, data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode created %s", coll.Name)
	}
	return &e, nil
}

// UpdateEntry patches the record id with fields.
func (c *Client) UpdateEntry(ctx context.Context, coll Collection, id string, fields map[string]any) (*Entry, error) {
	data, err := c.doRequest(ctx, http.MethodPatch, recordsPath(coll)+"/"+url.PathEscape(id), fields, nil)
	if err != nil {
		return nil, err
	}
	e, err := decodeRecordJSON(coll, data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode updated %s", coll.Name)
	}
	return &e, nil
}

// DeleteEntry deletes the record id.
func (c *Client) DeleteEntry(ctx context.Context, coll Collection, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, recordsPath(coll)+"/"+url.PathEscape(id), nil, nil)
	return err
}

// ============================================================================
// Streamer
// ============================================================================

// OpenStream starts a generation for req.ChatID and returns once the
// server has accepted it. Fragments are read in the background.
func (c *Client) OpenStream(ctx context.Context, req StreamRequest) (*Stream, error) {
	if req.Query == "" {
		return nil, ErrEmptyContent
	}
	query := url.Values{}
	query.Set("q", req.Query)
	if len(req.SourceIDs) > 0 {
		query.Set("sourceIds", strings.Join(req.SourceIDs, ","))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(streamCtx, http.MethodGet, "/api/chats/"+url.PathEscape(req.ChatID)+"/sse", nil, query)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "open stream")
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	s := newStream(resp.Body, cancel)
	go s.run(streamCtx, resp.Body)
	return s, nil
}

// ============================================================================
// Subscriber
// ============================================================================

// Subscribe opens a realtime connection delivering q's record events.
func (c *Client) Subscribe(ctx context.Context, q SubscribeQuery, onEvent func(RecordEvent)) (Subscription, error) {
	cfg := c.realtime
	cfg.Token = c.token
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.streamClient
	}

	var conn RealtimeConn
	if c.useWS {
		conn = NewRealtimeWSClient(c.baseURL, q, &cfg)
	} else {
		conn = NewRealtimeSSEClient(c.baseURL, q, &cfg)
	}
	conn.OnRecord(onEvent)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
