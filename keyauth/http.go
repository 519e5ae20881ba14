package keyauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

// HTTPClient talks to the key authority's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the authority at baseURL. The apiKey is
// sent in the Ocp-Apim-Subscription-Key header on every call.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, okStatus int) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("key authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case okStatus:
	case http.StatusConflict:
		return ErrConflict
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return fmt.Errorf("key authority returned unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		dec := json.NewDecoder(resp.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			// A trusted upstream answering with an undecodable body is an
			// internal failure, deliberately not distinguished from a
			// transport failure.
			return fmt.Errorf("decoding key authority response: %w", err)
		}
	}
	return nil
}

type reserveRequest struct {
	JWK  lollipop.JWK      `json:"pub_key"`
	Algo lollipop.HashAlgo `json:"algo"`
}

func (c *HTTPClient) Reserve(ctx context.Context, jwk lollipop.JWK, algo lollipop.HashAlgo) (*ReservedKey, error) {
	var out ReservedKey
	err := c.do(ctx, http.MethodPost, "/pubkeys", reserveRequest{JWK: jwk, Algo: algo}, &out, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type activateRequest struct {
	FiscalCode string    `json:"fiscal_code"`
	Assertion  string    `json:"assertion"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (c *HTTPClient) Activate(ctx context.Context, ref lollipop.AssertionRef, fiscalCode, assertion string, expiresAt time.Time) (*ActivatedKey, error) {
	var out ActivatedKey
	path := "/pubkeys/" + url.PathEscape(string(ref))
	err := c.do(ctx, http.MethodPut, path, activateRequest{
		FiscalCode: fiscalCode,
		Assertion:  assertion,
		ExpiresAt:  expiresAt,
	}, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type generateRequest struct {
	OperationID string `json:"operation_id"`
}

func (c *HTTPClient) GenerateConsumerParams(ctx context.Context, ref lollipop.AssertionRef, operationID string) (*lollipop.ConsumerParams, error) {
	var out lollipop.ConsumerParams
	path := "/pubkeys/" + url.PathEscape(string(ref)) + "/generate"
	err := c.do(ctx, http.MethodPost, path, generateRequest{OperationID: operationID}, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendRevoke delivers one revocation message. Used by RevokeQueue, never
// called synchronously from request handling.
func (c *HTTPClient) SendRevoke(ctx context.Context, ref lollipop.AssertionRef) error {
	path := "/pubkeys/" + url.PathEscape(string(ref)) + "/revoke"
	return c.do(ctx, http.MethodPost, path, nil, nil, http.StatusAccepted)
}
