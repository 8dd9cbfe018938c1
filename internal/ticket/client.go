package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

const (
	// helpdeskCallTimeout bounds every REST call against the helpdesk.
	helpdeskCallTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// errNoContent marks a 204 response, which the search endpoints use for an
// empty result set.
var errNoContent = errors.New("helpdesk: no content")

// Contact is the helpdesk-side identity a ticket is filed under. The API
// keys people by lastName, so that is where the display name goes.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"lastName"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// TicketFields is the create-ticket payload.
type TicketFields struct {
	Subject      string `json:"subject"`
	Description  string `json:"description"`
	DepartmentID string `json:"departmentId,omitempty"`
	ContactID    string `json:"contactId"`
	Priority     string `json:"priority"`
	Category     string `json:"category,omitempty"`
	Channel      string `json:"channel,omitempty"`
}

// CreatedTicket is the helpdesk answer to a create. ID is the API
// identifier later note appends use; Number is the short human-facing
// ticket number users see in chat.
type CreatedTicket struct {
	ID     string `json:"id"`
	Number string `json:"ticketNumber"`
}

// Client talks to a Zoho-Desk-shaped REST API: OAuth bearer token plus an
// orgId header on every call.
type Client struct {
	http   *http.Client
	base   string
	orgID  string
	tokens *TokenManager
}

// NewClient wires a helpdesk client over the token manager. The org id
// comes from config, falling back to the one captured at bootstrap.
func NewClient(cfg config.HelpdeskConfig, tokens *TokenManager) *Client {
	orgID := cfg.OrgID
	if orgID == "" {
		orgID = tokens.OrgID()
	}
	return &Client{
		http:   &http.Client{Timeout: helpdeskCallTimeout},
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		orgID:  orgID,
		tokens: tokens,
	}
}

// SearchContact looks a contact up by email. A nil result means no match.
func (c *Client) SearchContact(ctx context.Context, email string) (*Contact, error) {
	var out struct {
		Data []Contact `json:"data"`
	}
	path := "/api/v1/contacts/search?email=" + url.QueryEscape(email)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, errNoContent) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// CreateContact registers a new contact and returns it with the API id set.
func (c *Client) CreateContact(ctx context.Context, name, email, phone string) (*Contact, error) {
	in := Contact{Name: name, Email: email, Phone: phone}
	var out Contact
	if err := c.do(ctx, http.MethodPost, "/api/v1/contacts", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTicket opens a ticket and returns its API id and human number.
func (c *Client) CreateTicket(ctx context.Context, fields TicketFields) (*CreatedTicket, error) {
	if fields.Channel == "" {
		fields.Channel = "WhatsApp"
	}
	var out CreatedTicket
	if err := c.do(ctx, http.MethodPost, "/api/v1/tickets", fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddNote appends a private comment to an existing ticket.
func (c *Client) AddNote(ctx context.Context, ticketID, content string) error {
	in := map[string]any{"content": content, "isPublic": false}
	path := "/api/v1/tickets/" + url.PathEscape(ticketID) + "/comments"
	return c.do(ctx, http.MethodPost, path, in, nil)
}

// Ping verifies credentials and connectivity without mutating anything.
// Used by `mesabot doctor` and the /health handler.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/api/v1/departments?limit=1", nil, nil)
	if errors.Is(err, errNoContent) {
		return nil
	}
	return err
}

// do runs one authenticated request. A 401 forces a single token refresh
// and replay; a second 401 surfaces as AuthExpired so callers stop retrying
// something that needs operator attention.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	refreshed := false
	for {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return errkind.Wrap(errkind.Validation, fmt.Errorf("encode %s %s: %w", method, path, err))
			}
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return errkind.Wrap(errkind.Validation, err)
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
		if c.orgID != "" {
			req.Header.Set("orgId", c.orgID)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Connection, fmt.Errorf("%s %s: %w", method, path, err))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return errkind.Wrap(errkind.Connection, fmt.Errorf("%s %s: read body: %w", method, path, err))
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return errkind.New(errkind.AuthExpired, "helpdesk rejected a freshly refreshed token")
			}
			refreshed = true
			if _, err := c.tokens.ForceRefresh(ctx); err != nil {
				return err
			}
			continue
		case resp.StatusCode == http.StatusNoContent:
			return errNoContent
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.Newf(errkind.RateLimited, "helpdesk %s %s: %s", method, path, apiError(data))
		case resp.StatusCode >= 500:
			return errkind.Newf(errkind.Transient, "helpdesk %s %s: status %d: %s", method, path, resp.StatusCode, apiError(data))
		case resp.StatusCode >= 400:
			return errkind.Newf(errkind.Validation, "helpdesk %s %s: status %d: %s", method, path, resp.StatusCode, apiError(data))
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errkind.Wrap(errkind.Validation, fmt.Errorf("decode %s %s response: %w", method, path, err))
		}
		return nil
	}
}

// apiError extracts the short message helpdesk errors carry, falling back
// to the raw body.
func apiError(data []byte) string {
	var e struct {
		Code    string `json:"errorCode"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
		if e.Code != "" {
			return e.Code + ": " + e.Message
		}
		return e.Message
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
