package wasmhost

import (
	"context"
	"fmt"

	"github.com/threadkiln/threadkiln/internal/webhookrouter"
)

// ChannelAdapter implements webhookrouter.ChannelModule by invoking a single
// loaded WASM channel module per webhook request (request-handling step 5).
// The module reads one JSON-encoded webhookrouter.WebhookRequest from stdin
// and writes one JSON-encoded webhookrouter.WebhookResponse to stdout.
type ChannelAdapter struct {
	host       *Host
	moduleName string
}

// NewChannelAdapter wraps an already-loaded module (see Host.LoadModule) as
// a webhookrouter.ChannelModule.
func NewChannelAdapter(host *Host, moduleName string) *ChannelAdapter {
	return &ChannelAdapter{host: host, moduleName: moduleName}
}

// HandleWebhook implements webhookrouter.ChannelModule.
func (a *ChannelAdapter) HandleWebhook(ctx context.Context, req webhookrouter.WebhookRequest) (webhookrouter.WebhookResponse, error) {
	var resp webhookrouter.WebhookResponse
	if err := a.host.InvokeJSON(ctx, a.moduleName, req, &resp); err != nil {
		return webhookrouter.WebhookResponse{}, fmt.Errorf("channel module %s: %w", a.moduleName, err)
	}
	return resp, nil
}
