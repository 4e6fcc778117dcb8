package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/skuld/internal/domain"
)

// RESTProvider implements Provider against a JSON-over-HTTP commerce
// gateway. The gateway is expected to key order creation on the
// idempotency header so duplicate task runs converge on one order.
type RESTProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRESTProvider creates a REST commerce provider.
func NewRESTProvider(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *RESTProvider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RESTProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (p *RESTProvider) Name() string { return "rest" }

// createOrderRequest is the wire shape for POST /orders
type createOrderRequest struct {
	DeliveryID      string                  `json:"deliveryId"`
	CustomerID      string                  `json:"customerId"`
	Items           []OrderItem             `json:"items"`
	Currency        string                  `json:"currency"`
	ShippingAddress *domain.ShippingAddress `json:"shippingAddress,omitempty"`
	Metadata        map[string]string       `json:"metadata,omitempty"`
}

// orderResponse is the wire shape the gateway answers with
type orderResponse struct {
	OrderID      string         `json:"orderId"`
	Status       string         `json:"status"`
	ErrorCode    string         `json:"errorCode"`
	ErrorMessage string         `json:"errorMessage"`
	Data         map[string]any `json:"data"`
}

// CreateOrder places an order for the delivery snapshot.
func (p *RESTProvider) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one item", ErrInvalidRequest)
	}

	apiReq := createOrderRequest{
		DeliveryID:      req.DeliveryID.String(),
		CustomerID:      req.CustomerID.String(),
		Items:           req.Items,
		Currency:        req.Currency,
		ShippingAddress: req.ShippingAddress,
		Metadata:        req.Metadata,
	}

	var resp orderResponse
	if err := p.makeRequest(ctx, http.MethodPost, "/orders", req.DeliveryID.String(), apiReq, &resp); err != nil {
		return nil, err
	}
	return resultFromResponse(&resp), nil
}

// GetOrderStatus retrieves the current order state.
func (p *RESTProvider) GetOrderStatus(ctx context.Context, orderRef string) (*OrderResult, error) {
	var resp orderResponse
	if err := p.makeRequest(ctx, http.MethodGet, "/orders/"+orderRef, "", nil, &resp); err != nil {
		return nil, err
	}
	return resultFromResponse(&resp), nil
}

// CancelOrder cancels an order that has not shipped.
func (p *RESTProvider) CancelOrder(ctx context.Context, orderRef string, reason string) (*OrderResult, error) {
	body := map[string]string{"reason": reason}
	var resp orderResponse
	if err := p.makeRequest(ctx, http.MethodPost, "/orders/"+orderRef+"/cancel", "", body, &resp); err != nil {
		return nil, err
	}
	return resultFromResponse(&resp), nil
}

func (p *RESTProvider) makeRequest(ctx context.Context, method, endpoint, idempotencyKey string, request, response any) error {
	var body io.Reader
	if request != nil {
		payload, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	url := p.baseURL + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if p.logger != nil {
		p.logger.Debug("commerce gateway request", "method", method, "endpoint", endpoint)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gateway answered %d", ErrProviderUnavailable, httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound
	case httpResp.StatusCode == http.StatusConflict:
		return ErrOrderNotCancelable
	case httpResp.StatusCode >= 400:
		// Gateways report rejections in the response body; surface them
		// as a failed result rather than an opaque error.
		if jsonErr := json.Unmarshal(respBody, response); jsonErr == nil {
			return nil
		}
		return fmt.Errorf("%w: gateway answered %d", ErrInvalidRequest, httpResp.StatusCode)
	}

	if err := json.Unmarshal(respBody, response); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func resultFromResponse(resp *orderResponse) *OrderResult {
	status := mapOrderStatus(resp.Status)
	return &OrderResult{
		Success:          resp.ErrorCode == "" && status != OrderStatusFailed,
		ExternalOrderRef: resp.OrderID,
		Status:           status,
		ErrorCode:        resp.ErrorCode,
		ErrorMessage:     resp.ErrorMessage,
		ProviderData:     resp.Data,
	}
}

func mapOrderStatus(s string) OrderStatus {
	switch s {
	case "created", "accepted", "CREATED":
		return OrderStatusCreated
	case "processing", "PROCESSING":
		return OrderStatusProcessing
	case "shipped", "SHIPPED":
		return OrderStatusShipped
	case "delivered", "DELIVERED":
		return OrderStatusDelivered
	case "cancelled", "canceled", "CANCELLED":
		return OrderStatusCancelled
	case "failed", "rejected", "FAILED":
		return OrderStatusFailed
	default:
		return OrderStatusProcessing
	}
}
