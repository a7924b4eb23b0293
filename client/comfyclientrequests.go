package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/richinsley/charimage/graphapi"
	"go.uber.org/zap"
)

/*
Routes used by this client:

@routes.get("/view")
@routes.head("/view")
@routes.get("/system_stats")
@routes.get("/embeddings")
@routes.get("/queue")
@routes.post("/prompt")
*/

// do sends a request and returns the response body. Transport failures and
// non-2xx statuses are reported as ErrBackendUnavailable.
func (c *ComfyClient) do(ctx context.Context, method string, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading %s: %v", ErrBackendUnavailable, path, err)
	}
	return resp.StatusCode, data, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, v interface{}) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: GET %s returned %d", ErrBackendUnavailable, path, status)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrBackendProtocol, path, err)
	}
	return nil
}

// GetSystemStats returns the backend's host and device information
func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetEmbeddings retrieves the list of Embeddings models installed on the ComfyUI server.
func (c *ComfyClient) GetEmbeddings(ctx context.Context) ([]string, error) {
	retv := make([]string, 0)
	if err := c.getJSON(ctx, "/embeddings", &retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetQueue returns the backend's running and pending queue entries
func (c *ComfyClient) GetQueue(ctx context.Context) (*QueueState, error) {
	retv := &QueueState{}
	if err := c.getJSON(ctx, "/queue", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// ViewURL returns the /view address of a backend file
func (c *ComfyClient) ViewURL(image DataOutput) string {
	params := url.Values{}
	params.Add("filename", image.Filename)
	if image.Subfolder != "" {
		params.Add("subfolder", image.Subfolder)
	}
	params.Add("type", image.Type)
	return fmt.Sprintf("%s/view?%s", c.baseURL, params.Encode())
}

func (c *ComfyClient) viewPath(image DataOutput) string {
	return strings.TrimPrefix(c.ViewURL(image), c.baseURL)
}

// ImageExists probes a backend file with a HEAD request. Any transport
// failure or non-200 answer counts as absent.
func (c *ComfyClient) ImageExists(ctx context.Context, image DataOutput) bool {
	status, _, err := c.do(ctx, http.MethodHead, c.viewPath(image), nil)
	if err != nil {
		c.logger.Debug("probe failed", zap.String("filename", image.Filename), zap.Error(err))
		return false
	}
	return status == http.StatusOK
}

// GetImage downloads a backend file
func (c *ComfyClient) GetImage(ctx context.Context, image DataOutput) ([]byte, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.viewPath(image), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: fetching %s returned %d", ErrBackendUnavailable, image.Filename, status)
	}
	return body, nil
}

// QueuePrompt submits a prompt for execution
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*QueueItem, error) {
	if prompt.ClientID == "" {
		prompt.ClientID = c.clientid
	}
	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	// {"error": {"type": "prompt_no_outputs",
	//				"message": "Prompt has no outputs",
	//				"details": "",
	//				"extra_info": {}
	//			  },
	// "node_errors": []
	// }
	perror := &PromptErrorMessage{}
	if json.Unmarshal(body, perror) == nil && perror.Error.Message != "" {
		c.logger.Warn("prompt rejected",
			zap.Int("status", status),
			zap.String("type", perror.Error.Type),
			zap.String("message", perror.Error.Message))
		if status < 200 || status > 299 {
			return nil, fmt.Errorf("%w: prompt rejected: %s", ErrBackendUnavailable, perror.Error.Message)
		}
		return nil, fmt.Errorf("%w: prompt rejected: %s", ErrBackendProtocol, perror.Error.Message)
	}
	if status < 200 || status > 299 {
		c.logger.Error("prompt submission failed", zap.Int("status", status), zap.ByteString("body", truncate(body, 512)))
		return nil, fmt.Errorf("%w: POST /prompt returned %d", ErrBackendUnavailable, status)
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("%w: decoding prompt response: %v", ErrBackendProtocol, err)
	}
	if item.PromptID == "" {
		return nil, fmt.Errorf("%w: prompt response has no prompt_id", ErrBackendProtocol)
	}
	c.logger.Debug("prompt queued", zap.String("prompt_id", item.PromptID), zap.Int("number", item.Number))
	return item, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
