package control

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
)

// Client talks to a Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(address string, httpClient *http.Client) *Client {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(address, "/"), httpClient: httpClient}
}

// errnoError turns the errno reported by the server back into the error it
// was mapped from.
func errnoError(errno int, message string) error {
	var sentinel error
	switch -errno {
	case int(unix.EINVAL):
		sentinel = limiter.ErrInvalidArgument
	case int(unix.EAGAIN):
		sentinel = limiter.ErrResourceUnavailable
	case int(unix.ENOENT):
		sentinel = ErrUnknownAttribute
	case int(unix.EACCES):
		sentinel = ErrReadOnly
	default:
		sentinel = limiter.ErrBackendFailure
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}

func (c *Client) do(ctx context.Context, method, path, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach limiter: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return string(data), nil
	}

	message := strings.TrimSpace(string(data))
	if errno, err := strconv.Atoi(resp.Header.Get(ErrnoHeader)); err == nil {
		return "", errnoError(errno, message)
	}
	return "", fmt.Errorf("unexpected status %s: %s", resp.Status, message)
}

func (c *Client) Attributes(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, attributesPath, "")
	if err != nil {
		return nil, err
	}
	return strings.Fields(body), nil
}

func (c *Client) Read(ctx context.Context, name string) (string, error) {
	return c.do(ctx, http.MethodGet, attributesPath+"/"+url.PathEscape(name), "")
}

// Write sends input to the attribute and returns the number of bytes the
// limiter consumed.
func (c *Client) Write(ctx context.Context, name, input string) (int, error) {
	body, err := c.do(ctx, http.MethodPut, attributesPath+"/"+url.PathEscape(name), input)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return 0, fmt.Errorf("unexpected write reply %q: %w", body, err)
	}
	return n, nil
}
