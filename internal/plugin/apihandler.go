package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thinggateway/internal/ipc"
)

// apiRequestTimeout bounds how long the gateway waits for a plugin to answer
// a delegated HTTP request.
const apiRequestTimeout = 30 * time.Second

// APIRequest is a gateway-side view of an HTTP request delegated to a plugin.
type APIRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   json.RawMessage
}

// APIResponse is the plugin's answer to a delegated request.
type APIResponse struct {
	Status      int
	ContentType string
	Content     json.RawMessage
}

// APIHandlerProxy is the local stand-in for an HTTP API handler running
// inside a plugin process. Each delegated request is matched to its reply by
// a generated request id.
type APIHandlerProxy struct {
	proxy
	packageName string
	pendingMu   sync.Mutex
	pending     map[string]chan *ipc.APIResponse
}

func newAPIHandlerProxy(p *Plugin, notice *ipc.APIHandlerAddedNotice, logger *zap.Logger) *APIHandlerProxy {
	return &APIHandlerProxy{
		proxy: proxy{
			id:       notice.PackageName,
			pluginID: notice.PluginID,
			plugin:   p,
			logger:   logger,
		},
		packageName: notice.PackageName,
		pending:     make(map[string]chan *ipc.APIResponse),
	}
}

// PackageName returns the add-on package the handler belongs to.
func (h *APIHandlerProxy) PackageName() string {
	return h.packageName
}

// HandleRequest forwards an HTTP request to the plugin and waits for its
// reply. The wait is bounded by ctx and an internal timeout; a plugin that
// never answers costs the caller at most that long and leaks nothing.
func (h *APIHandlerProxy) HandleRequest(ctx context.Context, request *APIRequest) (*APIResponse, error) {
	if h.Removed() {
		return nil, fmt.Errorf("api handler %s has been removed", h.id)
	}

	requestID := uuid.NewString()
	respChan := make(chan *ipc.APIResponse, 1)

	h.pendingMu.Lock()
	h.pending[requestID] = respChan
	h.pendingMu.Unlock()

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
	}()

	err := h.plugin.send(ipc.MessageTypeAPIRequest, &ipc.APIRequest{
		PluginID:    h.pluginID,
		PackageName: h.packageName,
		RequestID:   requestID,
		Method:      request.Method,
		Path:        request.Path,
		Query:       request.Query,
		Body:        request.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to forward api request: %w", err)
	}

	select {
	case resp := <-respChan:
		return &APIResponse{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Content:     resp.Content,
		}, nil
	case <-time.After(apiRequestTimeout):
		return nil, fmt.Errorf("timeout waiting for api handler %s", h.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyResponse routes a reply from the plugin to the waiting request.
// Returns false for replies whose request id is unknown or already timed out.
func (h *APIHandlerProxy) applyResponse(resp *ipc.APIResponse) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	ch, ok := h.pending[resp.RequestID]
	if !ok {
		return false
	}

	select {
	case ch <- resp:
	default:
		h.logger.Warn("Response channel full",
			zap.String("request_id", resp.RequestID))
	}
	return true
}

// Remove releases the handler at the gateway's initiative.
func (h *APIHandlerProxy) Remove() {
	if !h.markRemoved() {
		return
	}

	if err := h.plugin.send(ipc.MessageTypeRemoveCapability, &ipc.RemoveCapabilityRequest{
		PluginID:     h.pluginID,
		CapabilityID: h.id,
	}); err != nil {
		h.logger.Warn("Failed to send capability removal notice",
			zap.String("plugin_id", h.pluginID),
			zap.String("package_name", h.packageName),
			zap.Error(err))
	}

	h.plugin.releaseAPIHandler(h.id)
}
