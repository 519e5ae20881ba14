package sessionctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPNotifications clears device registrations through the notification
// hub's REST API.
type HTTPNotifications struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ NotificationService = (*HTTPNotifications)(nil)

// NewHTTPNotifications creates a client for the notification hub at baseURL.
func NewHTTPNotifications(baseURL, apiKey string) *HTTPNotifications {
	return &HTTPNotifications{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type deleteRegistrationRequest struct {
	FiscalCode string `json:"fiscal_code"`
}

func (n *HTTPNotifications) DeleteRegistration(ctx context.Context, fiscalCode string) error {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(deleteRegistrationRequest{FiscalCode: fiscalCode}); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/registrations/delete", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification hub unreachable: %w", err)
	}
	defer resp.Body.Close()

	// 404 means no registration existed, which is the desired end state.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("notification hub returned unexpected status %d", resp.StatusCode)
	}
	return nil
}
