package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

// Headers the consumer receives alongside the re-sent PoP headers.
const (
	headerAssertionRef  = "x-pagopa-lollipop-assertion-ref"
	headerAssertionType = "x-pagopa-lollipop-assertion-type"
	headerAuthJWT       = "x-pagopa-lollipop-auth-jwt"
	headerPublicKey     = "x-pagopa-lollipop-public-key"
	headerUserID        = "x-pagopa-lollipop-user-id"
)

// ConsumerResponse is the signed-message consumer's reply, relayed to the
// client as-is.
type ConsumerResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// Consumer forwards a signed request, enriched with locals when PoP was
// active for the caller, to the downstream signed-message consumer.
type Consumer interface {
	Sign(ctx context.Context, locals *lollipop.Locals, body []byte) (*ConsumerResponse, error)
}

// HTTPConsumer is the REST client for a Lollipop consumer service.
type HTTPConsumer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Consumer = (*HTTPConsumer)(nil)

// NewHTTPConsumer creates a consumer client for the service at baseURL.
func NewHTTPConsumer(baseURL, apiKey string) *HTTPConsumer {
	return &HTTPConsumer{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPConsumer) Sign(ctx context.Context, locals *lollipop.Locals, body []byte) (*ConsumerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	if locals != nil {
		req.Header.Set(headerAssertionRef, string(locals.AssertionRef))
		req.Header.Set(headerAssertionType, locals.AssertionType)
		req.Header.Set(headerAuthJWT, locals.AuthJWT)
		req.Header.Set(headerPublicKey, locals.PublicKey)
		req.Header.Set(headerUserID, locals.UserID)
		req.Header.Set(lollipop.HeaderSignature, locals.Signature)
		req.Header.Set(lollipop.HeaderSignatureInput, locals.SignatureInput)
		req.Header.Set(lollipop.HeaderOriginalMethod, locals.OriginalMethod)
		req.Header.Set(lollipop.HeaderOriginalURL, locals.OriginalURL)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consumer unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading consumer response: %w", err)
	}
	return &ConsumerResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}
