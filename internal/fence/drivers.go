package fence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RetryPolicy applies exponential backoff (retryDelay × 2^(attempt-1)) up
// to a fixed retry count, surfacing the last error after all retries are
// exhausted (§4.5).
type RetryPolicy struct {
	RetryCount int
	RetryDelay time.Duration
}

func (p RetryPolicy) withRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	attempts := p.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		backoff := p.RetryDelay * time.Duration(1<<uint(attempt-1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// HTTPTemplateDriver is the generic HTTP-template fence driver (§4.5,
// SPEC_FULL supplemented feature): power operations are plain HTTP calls
// against operator-supplied URL templates, making it the portable default
// (no cloud SDK to pick and justify).
type HTTPTemplateDriver struct {
	PowerOffURL string
	PowerOnURL  string
	StatusURL   string
	Headers     map[string]string
	Client      *http.Client
	Retry       RetryPolicy
}

// NewHTTPTemplateDriver constructs a driver with a sane default client.
func NewHTTPTemplateDriver(powerOffURL, powerOnURL, statusURL string, headers map[string]string, retry RetryPolicy) *HTTPTemplateDriver {
	return &HTTPTemplateDriver{
		PowerOffURL: powerOffURL,
		PowerOnURL:  powerOnURL,
		StatusURL:   statusURL,
		Headers:     headers,
		Client:      &http.Client{Timeout: 15 * time.Second},
		Retry:       retry,
	}
}

func (d *HTTPTemplateDriver) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http driver: %s %s: status %d: %s", method, url, resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

// Test verifies the driver is reachable.
func (d *HTTPTemplateDriver) Test(ctx context.Context) error {
	if d.StatusURL == "" {
		return fmt.Errorf("http driver: no statusUrl configured")
	}
	url := fmt.Sprintf(d.StatusURL, "test")
	_, err := d.do(ctx, http.MethodGet, url, nil)
	return err
}

// Status reports "on", "off" or "unknown" for node.
func (d *HTTPTemplateDriver) Status(ctx context.Context, node string) (string, error) {
	url := fmt.Sprintf(d.StatusURL, node)
	out, err := d.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "unknown", err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "unknown", fmt.Errorf("http driver: decode status response: %w", err)
	}
	if resp.Status == "" {
		return "unknown", nil
	}
	return resp.Status, nil
}

// PowerOff fences node, retrying per d.Retry.
func (d *HTTPTemplateDriver) PowerOff(ctx context.Context, node string) error {
	url := fmt.Sprintf(d.PowerOffURL, node)
	return d.Retry.withRetry(ctx, func(ctx context.Context) error {
		_, err := d.do(ctx, http.MethodPost, url, []byte(`{}`))
		return err
	})
}

// PowerOn restores node, retrying per d.Retry.
func (d *HTTPTemplateDriver) PowerOn(ctx context.Context, node string) error {
	url := fmt.Sprintf(d.PowerOnURL, node)
	return d.Retry.withRetry(ctx, func(ctx context.Context) error {
		_, err := d.do(ctx, http.MethodPost, url, []byte(`{}`))
		return err
	})
}

// HypervisorDriver is the hypervisor-API fence driver (§4.5 "variants
// include a hypervisor-API driver"): a single management endpoint keyed by
// an API token, addressing VMs by their node-mapping id.
type HypervisorDriver struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Retry    RetryPolicy
}

// NewHypervisorDriver constructs a HypervisorDriver with a default client.
func NewHypervisorDriver(endpoint, apiKey string, retry RetryPolicy) *HypervisorDriver {
	return &HypervisorDriver{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 15 * time.Second},
		Retry:    retry,
	}
}

func (d *HypervisorDriver) call(ctx context.Context, action, vmID string) ([]byte, error) {
	payload, _ := json.Marshal(map[string]string{"action": action, "vmId": vmID})
	url := fmt.Sprintf("%s/vms/%s/power", d.Endpoint, vmID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hypervisor driver: %s: status %d: %s", action, resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

// Test verifies the hypervisor endpoint and credentials are reachable.
func (d *HypervisorDriver) Test(ctx context.Context) error {
	_, err := d.call(ctx, "ping", "_test")
	return err
}

// Status reports the power state of vmID.
func (d *HypervisorDriver) Status(ctx context.Context, vmID string) (string, error) {
	out, err := d.call(ctx, "status", vmID)
	if err != nil {
		return "unknown", err
	}
	var resp struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "unknown", fmt.Errorf("hypervisor driver: decode status response: %w", err)
	}
	switch resp.State {
	case "running":
		return "on", nil
	case "stopped":
		return "off", nil
	default:
		return "unknown", nil
	}
}

// PowerOff fences vmID, retrying per d.Retry.
func (d *HypervisorDriver) PowerOff(ctx context.Context, vmID string) error {
	return d.Retry.withRetry(ctx, func(ctx context.Context) error {
		_, err := d.call(ctx, "stop", vmID)
		return err
	})
}

// PowerOn restores vmID, retrying per d.Retry.
func (d *HypervisorDriver) PowerOn(ctx context.Context, vmID string) error {
	return d.Retry.withRetry(ctx, func(ctx context.Context) error {
		_, err := d.call(ctx, "start", vmID)
		return err
	})
}

// Destroy force-removes the VM, the optional extra capability (§9).
func (d *HypervisorDriver) Destroy(ctx context.Context, vmID string) error {
	_, err := d.call(ctx, "destroy", vmID)
	return err
}
