// Package delivery sends activity packages to the collector.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
	"github.com/beacon-sdk/beacon/pkg/types"
)

// maxResponseBody caps how much of a response body is read for logging.
const maxResponseBody = 64 << 10

// Response is the part of a collector response the worker cares about.
type Response struct {
	StatusCode int
	Body       string
}

// Client posts packages to the collector.
type Client struct {
	baseURL        string
	connectTimeout time.Duration
	readTimeout    time.Duration
	http           *http.Client
}

// NewClient creates a client for baseURL. connectTimeout bounds dialing,
// readTimeout bounds waiting for the response.
func NewClient(baseURL string, connectTimeout, readTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          1,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
		http:           &http.Client{Transport: transport},
	}
}

// Do sends pkg. A non-nil Response is returned for every HTTP status.
// Errors are ENCODING errors when the request could not be built and
// DELIVERY errors when no response was received.
func (c *Client) Do(ctx context.Context, pkg *types.ActivityPackage) (*Response, error) {
	req, err := c.newRequest(ctx, pkg)
	if err != nil {
		return nil, err
	}

	if c.connectTimeout > 0 || c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout+c.readTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, pkg *types.ActivityPackage) (*http.Request, error) {
	if err := pkg.Validate(); err != nil {
		return nil, beaconerrors.NewEncodingError("invalid package", err)
	}

	deviceData, err := json.Marshal(pkg.DeviceData)
	if err != nil {
		return nil, beaconerrors.NewEncodingError("failed to encode device data", err)
	}
	body := pkg.Parameters.Encode(types.Param{Key: "device_data", Value: string(deviceData)})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pkg.Path, strings.NewReader(body))
	if err != nil {
		return nil, beaconerrors.NewEncodingError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", pkg.UserAgent)
	req.Header.Set("Client-Sdk", pkg.ClientSDK)
	if lang := pkg.DeviceData["language"]; lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
	return req, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func transportError(err error) error {
	if isTimeout(err) {
		return beaconerrors.NewDeliveryError(beaconerrors.CodeTimeout, "request timed out", err)
	}
	return beaconerrors.NewDeliveryError(beaconerrors.CodeTransportFailed, "request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
