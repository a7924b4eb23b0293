package client

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every request made by a client created with NewComfyClient
const DefaultTimeout = 30 * time.Second

var (
	// ErrBackendUnavailable is returned when the backend cannot be reached or answers with a non-2xx status
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendProtocol is returned when the backend answers but the body is not what was expected
	ErrBackendProtocol = errors.New("backend protocol error")
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	baseURL    string
	clientid   string
	httpclient *http.Client
	logger     *zap.Logger
}

// NewComfyClientWithTimeout creates a new client for the backend at baseURL (scheme://host[:port])
// whose requests are bounded by timeout
func NewComfyClientWithTimeout(baseURL string, timeout time.Duration, logger *zap.Logger) *ComfyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComfyClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientid:   uuid.New().String(),
		httpclient: &http.Client{Timeout: timeout},
		logger:     logger.Named("comfyclient"),
	}
}

// NewComfyClient creates a new client using DefaultTimeout
func NewComfyClient(baseURL string, logger *zap.Logger) *ComfyClient {
	return NewComfyClientWithTimeout(baseURL, DefaultTimeout, logger)
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// BaseURL returns the backend address without a trailing slash
func (c *ComfyClient) BaseURL() string {
	return c.baseURL
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}
