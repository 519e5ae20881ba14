package keyauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

func TestReserve(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pubkeys", r.URL.Path)
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")

		var body struct {
			JWK  lollipop.JWK      `json:"pub_key"`
			Algo lollipop.HashAlgo `json:"algo"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "EC", body.JWK.Kty)
		assert.Equal(t, lollipop.AlgoSHA256, body.Algo)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ReservedKey{AssertionRef: "sha256-abc", Status: StatusPending})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	reserved, err := c.Reserve(context.Background(), lollipop.JWK{Kty: "EC", Crv: "P-256", X: "x", Y: "y"}, lollipop.AlgoSHA256)
	require.NoError(t, err)
	assert.Equal(t, lollipop.AssertionRef("sha256-abc"), reserved.AssertionRef)
	assert.Equal(t, StatusPending, reserved.Status)
	assert.Equal(t, "secret", gotKey)
}

func TestReserveConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	_, err := c.Reserve(context.Background(), lollipop.JWK{Kty: "EC", Crv: "P-256", X: "x", Y: "y"}, lollipop.AlgoSHA256)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestActivate(t *testing.T) {
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/pubkeys/sha256-abc", r.URL.Path)

		var body struct {
			FiscalCode string    `json:"fiscal_code"`
			Assertion  string    `json:"assertion"`
			ExpiresAt  time.Time `json:"expires_at"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "AAABBB80A01H501X", body.FiscalCode)
		assert.Equal(t, "assertion-blob", body.Assertion)

		json.NewEncoder(w).Encode(ActivatedKey{
			AssertionRef: "sha256-abc",
			Status:       StatusValid,
			ExpiresAt:    expires,
		})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	activated, err := c.Activate(context.Background(), "sha256-abc", "AAABBB80A01H501X", "assertion-blob", expires)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, activated.Status)
	assert.True(t, activated.ExpiresAt.Equal(expires))
}

func TestGenerateConsumerParams(t *testing.T) {
	ref := lollipop.AssertionRef("sha256-a+b c") // exercise path escaping
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pubkeys/"+url.PathEscape(string(ref))+"/generate", r.URL.EscapedPath())

		var body struct {
			OperationID string `json:"operation_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "op-42", body.OperationID)

		json.NewEncoder(w).Encode(lollipop.ConsumerParams{
			AssertionRef:  ref,
			AssertionType: "SAML",
			AuthJWT:       "jwt",
			PublicKey:     "pk",
		})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	params, err := c.GenerateConsumerParams(context.Background(), ref, "op-42")
	require.NoError(t, err)
	assert.Equal(t, "SAML", params.AssertionType)
	assert.Equal(t, "jwt", params.AuthJWT)
}

func TestGenerateConsumerParamsForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	_, err := c.GenerateConsumerParams(context.Background(), "sha256-abc", "op-1")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	_, err := c.GenerateConsumerParams(context.Background(), "sha256-abc", "op-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestUndecodableResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"assertion_ref":"x","surprise":true}`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	_, err := c.GenerateConsumerParams(context.Background(), "sha256-abc", "op-1")
	assert.Error(t, err)
}

func TestSendRevoke(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, "/pubkeys/sha256-abc/revoke", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	require.NoError(t, c.SendRevoke(context.Background(), "sha256-abc"))
	assert.Equal(t, 1, hits)
}
