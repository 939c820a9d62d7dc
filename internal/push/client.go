package push

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"relay/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider error strings that mean the device token will never work again.
var permanentTokenErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MissingRegistration": true,
}

// Client sends notifications to an FCM-style HTTP endpoint.
type Client struct {
	http      *fasthttp.Client
	endpoint  string
	serverKey string
	timeout   time.Duration
}

func NewClient(endpoint, serverKey string, timeout time.Duration) *Client {
	return &Client{
		http: &fasthttp.Client{
			Name:                "relay-push",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		endpoint:  endpoint,
		serverKey: serverKey,
		timeout:   timeout,
	}
}

type sendRequest struct {
	To           string            `json:"to"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type sendResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers n. A permanently invalid token is reported as
// PushInvalidToken with a nil error.
func (c *Client) Send(ctx context.Context, n types.PushNotification) (types.PushResult, error) {
	body, err := json.Marshal(sendRequest{
		To:           n.DeviceToken,
		Notification: notification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
	})
	if err != nil {
		return types.PushFailed, fmt.Errorf("failed to encode push request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, "key="+c.serverKey)
	req.SetBody(body)

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return types.PushFailed, context.DeadlineExceeded
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return types.PushFailed, fmt.Errorf("push request failed: %w", err)
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK {
		return types.PushFailed, fmt.Errorf("push provider returned status %d", status)
	}

	var result sendResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return types.PushFailed, fmt.Errorf("failed to decode push response: %w", err)
	}

	if result.Success > 0 {
		return types.PushDelivered, nil
	}
	for _, r := range result.Results {
		if permanentTokenErrors[r.Error] {
			return types.PushInvalidToken, nil
		}
		if r.Error != "" {
			return types.PushFailed, fmt.Errorf("push provider error: %s", r.Error)
		}
	}

	return types.PushFailed, fmt.Errorf("push provider reported %d failures", result.Failure)
}
