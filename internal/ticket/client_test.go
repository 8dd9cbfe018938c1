package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// newTestClient wires a client against an httptest API server with a token
// manager already holding a live access token.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeAuthServer) {
	t.Helper()
	auth := newFakeAuthServer(t)
	api := httptest.NewServer(handler)
	t.Cleanup(api.Close)

	cfg := tokenConfig(t, auth.srv.URL)
	cfg.BaseURL = api.URL
	cfg.OrgID = "org-42"
	seedToken(t, cfg.TokenPath, OAuthState{
		AccessToken:  "tok-live",
		RefreshToken: "refresh-live",
		Expiry:       time.Now().Add(time.Hour),
	})
	return NewClient(cfg, NewTokenManager(cfg)), auth
}

func TestClientSendsAuthAndOrgHeaders(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Zoho-oauthtoken tok-live", r.Header.Get("Authorization"))
		assert.Equal(t, "org-42", r.Header.Get("orgId"))
		assert.Equal(t, "/api/v1/contacts/search", r.URL.Path)
		assert.Equal(t, "tienda907@example.com", r.URL.Query().Get("email"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"c-1","lastName":"Tienda 907"}]}`))
	}))

	contact, err := c.SearchContact(context.Background(), "tienda907@example.com")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "c-1", contact.ID)
	assert.Equal(t, "Tienda 907", contact.Name)
}

func TestSearchContactNoMatch(t *testing.T) {
	t.Run("204", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		contact, err := c.SearchContact(context.Background(), "nadie@example.com")
		require.NoError(t, err)
		assert.Nil(t, contact)
	})
	t.Run("empty data", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":[]}`))
		}))
		contact, err := c.SearchContact(context.Background(), "nadie@example.com")
		require.NoError(t, err)
		assert.Nil(t, contact)
	})
}

func TestCreateTicketPayload(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/tickets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"t-900","ticketNumber":"1042"}`))
	}))

	created, err := c.CreateTicket(context.Background(), TicketFields{
		Subject:      "[POS] caja no cobra",
		Description:  "detalle",
		DepartmentID: "dep-1",
		ContactID:    "c-1",
		Priority:     "High",
		Category:     "pos",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-900", created.ID)
	assert.Equal(t, "1042", created.Number)

	assert.Equal(t, "[POS] caja no cobra", got["subject"])
	assert.Equal(t, "dep-1", got["departmentId"])
	assert.Equal(t, "c-1", got["contactId"])
	assert.Equal(t, "High", got["priority"])
	assert.Equal(t, "WhatsApp", got["channel"], "channel defaults when unset")
}

func TestAddNotePayload(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tickets/t-900/comments", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"n-1"}`))
	}))

	require.NoError(t, c.AddNote(context.Background(), "t-900", "sigue fallando"))
	assert.Equal(t, "sigue fallando", got["content"])
	assert.Equal(t, false, got["isPublic"])
}

func TestUnauthorizedRefreshesOnceAndReplays(t *testing.T) {
	var calls atomic.Int32
	c, auth := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Zoho-oauthtoken access-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"id":"c-1","lastName":"Tienda 907"}]}`))
	}))

	contact, err := c.SearchContact(context.Background(), "tienda907@example.com")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), auth.hits.Load())
}

func TestUnauthorizedTwiceIsAuthExpired(t *testing.T) {
	var calls atomic.Int32
	c, auth := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.SearchContact(context.Background(), "tienda907@example.com")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.AuthExpired))
	assert.Equal(t, int32(2), calls.Load(), "exactly one replay after refresh")
	assert.Equal(t, int32(1), auth.hits.Load())
}

func TestErrorKindMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   errkind.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, errkind.RateLimited},
		{"server error", http.StatusBadGateway, errkind.Transient},
		{"bad request", http.StatusUnprocessableEntity, errkind.Validation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"errorCode":"E","message":"nope"}`))
			}))
			_, err := c.CreateTicket(context.Background(), TicketFields{Subject: "x", ContactID: "c-1"})
			require.Error(t, err)
			assert.True(t, errkind.Is(err, tc.kind), "got %v", err)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestNetworkErrorIsConnectionKind(t *testing.T) {
	api := httptest.NewServer(http.NotFoundHandler())
	auth := newFakeAuthServer(t)
	cfg := tokenConfig(t, auth.srv.URL)
	cfg.BaseURL = api.URL
	seedToken(t, cfg.TokenPath, OAuthState{
		AccessToken:  "tok-live",
		RefreshToken: "refresh-live",
		Expiry:       time.Now().Add(time.Hour),
	})
	c := NewClient(cfg, NewTokenManager(cfg))
	api.Close() // refused from here on

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Connection))
}
