package polyfetch

import (
	"context"

	"github.com/polyfetch-go/polyfetch/transport"
)

// Fetch issues one logical request and returns its Response, applying
// the Fetch redirect state machine above the Dispatcher. An
// already-cancelled ctx fails synchronously with no socket opened.
func (c *Context) Fetch(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.ErrCancelled(err)
	}

	req, state, err := buildRequest(ctx, rawURL, c.compress, opts)
	if err != nil {
		return nil, err
	}

	tres, finalURL, err := c.dispatchWithRedirects(ctx, req, state)
	if err != nil {
		return nil, err
	}

	redirected := finalURL != rawURL
	return newResponse(finalURL, redirected, tres), nil
}
