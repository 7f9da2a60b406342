package polyfetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/polyfetch-go/polyfetch/transport"
)

// isRedirectStatus reports whether code is one Fetch treats as a
// redirect.
func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// dispatchWithRedirects runs req through the Dispatcher and, on a 3xx
// response, applies the Fetch redirect rules: error mode fails outright,
// manual mode returns the 3xx with an absolute Location, and follow mode
// recurses through the full Dispatcher (so the redirect target may
// negotiate its own protocol) up to the follow limit, with the
// method/body downgrade rules RFC 7231 and Fetch both specify for 303
// and for POST on 301/302.
func (c *Context) dispatchWithRedirects(ctx context.Context, req *http.Request, state *requestState) (*transport.Response, string, error) {
	currentURL := req.URL.String()

	tres, err := c.dispatcher.Request(ctx, req, state.compress)
	if err != nil {
		return nil, currentURL, err
	}

	if !isRedirectStatus(tres.StatusCode) {
		return tres, currentURL, nil
	}

	location := tres.Header.Get("Location")

	switch state.redirect {
	case RedirectError:
		_ = tres.Body.Close()
		return nil, currentURL, &RedirectError{Reason: ReasonNoRedirect, URL: currentURL, Location: location}

	case RedirectManual:
		if location != "" {
			abs, parseErr := resolveLocation(req.URL, location)
			if parseErr == nil {
				tres.Header.Set("Location", abs)
			}
		}
		return tres, currentURL, nil

	default: // RedirectFollow
		return c.followRedirect(ctx, req, state, tres, currentURL, location)
	}
}

func (c *Context) followRedirect(ctx context.Context, req *http.Request, state *requestState, tres *transport.Response, currentURL, location string) (*transport.Response, string, error) {
	if location == "" {
		return tres, currentURL, nil
	}
	_ = tres.Body.Close()

	if state.redirectCount >= state.follow {
		return nil, currentURL, &RedirectError{Reason: ReasonMaxRedirect, URL: currentURL, Location: location}
	}

	if tres.StatusCode != http.StatusSeeOther && state.bodyIsStream {
		return nil, currentURL, &RedirectError{Reason: ReasonUnsupportedRedirect, URL: currentURL, Location: location}
	}

	target, err := resolveLocationURL(req.URL, location)
	if err != nil {
		return nil, currentURL, transport.ErrConfiguration(fmt.Errorf("redirect location %q: %w", location, err))
	}

	method := req.Method
	downgrade := downgradeFor(tres.StatusCode, req.Method)

	// A buffered body was consumed by the previous hop; GetBody yields a
	// fresh copy of it. Bodies the caller supplied as an io.Reader were
	// rejected above unless the hop downgrades.
	body := req.Body
	if req.GetBody != nil {
		if fresh, getErr := req.GetBody(); getErr == nil {
			body = fresh
		}
	}
	nextReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, currentURL, transport.ErrConfiguration(err)
	}
	nextReq.Header = req.Header.Clone()
	nextReq.GetBody = req.GetBody
	nextReq.ContentLength = req.ContentLength

	if downgrade {
		nextReq.Method = http.MethodGet
		nextReq.Body = http.NoBody
		nextReq.GetBody = nil
		nextReq.ContentLength = 0
		nextReq.Header.Del("Content-Length")
	}

	nextState := &requestState{
		redirect:      state.redirect,
		follow:        state.follow,
		redirectCount: state.redirectCount + 1,
		compress:      state.compress,
		bodyIsStream:  state.bodyIsStream && !downgrade,
	}

	return c.dispatchWithRedirects(ctx, nextReq, nextState)
}

// downgradeFor reports whether a redirect response with the given status
// downgrades the next request to GET with no body, per the Fetch/RFC 7231
// rules: 303 always downgrades; 301/302 downgrade only a POST (every
// other method is preserved), and 307/308 never downgrade.
func downgradeFor(status int, method string) bool {
	if status == http.StatusSeeOther {
		return true
	}
	return (status == http.StatusMovedPermanently || status == http.StatusFound) && method == http.MethodPost
}

func resolveLocation(base *url.URL, location string) (string, error) {
	u, err := resolveLocationURL(base, location)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func resolveLocationURL(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(loc), nil
}
