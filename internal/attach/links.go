package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"groupvault/internal/logging"
	"groupvault/internal/types"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"
)

// maxPreviewBytes bounds how much of a page is read looking for <title>.
const maxPreviewBytes = 256 << 10

// ErrInvalidLink is returned for URLs that cannot be stored as links.
var ErrInvalidLink = errors.New("invalid link")

// LinkOptions configures a Links resolver.
type LinkOptions struct {
	// Preview enables fetching page titles.
	Preview bool
	// RatePerSec bounds preview fetches; zero means one per second.
	RatePerSec float64
	// Burst is how many previews may run back to back; zero means one.
	Burst   int
	Timeout time.Duration
	Client  *http.Client
}

// Links resolves URLs into link descriptors.
type Links struct {
	opts     LinkOptions
	client   *http.Client
	limiter  *rate.Limiter
	sanitize *bluemonday.Policy
}

// NewLinks creates a Links resolver.
func NewLinks(opts LinkOptions) *Links {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Links{
		opts:     opts,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		sanitize: bluemonday.StrictPolicy(),
	}
}

// ResolveLink validates raw and returns a link descriptor. A failed
// preview never fails the resolution.
func (l *Links) ResolveLink(ctx context.Context, raw string) (*types.AttachmentDescriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
	}
	desc := &types.AttachmentDescriptor{Kind: types.KindLink, Locator: u.String()}
	if !l.opts.Preview {
		return desc, nil
	}

	// Previews are a nicety; skip rather than queue when over budget.
	if !l.limiter.Allow() {
		logging.AttachDebug("preview rate limit reached, skipping %s", u.Host)
		return desc, nil
	}
	title, err := l.fetchTitle(ctx, u.String())
	if err != nil {
		logging.AttachDebug("preview %s: %v", u.Host, err)
		return desc, nil
	}
	desc.Title = title
	return desc, nil
}

func (l *Links) fetchTitle(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "groupvault-preview/1.0")
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", fmt.Errorf("not html: %s", ct)
	}
	return l.extractTitle(io.LimitReader(resp.Body, maxPreviewBytes))
}

// extractTitle returns the first <title> text, or og:title if there is none.
func (l *Links) extractTitle(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var ogTitle string
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) && ogTitle != "" {
				return l.clean(ogTitle), nil
			}
			if errors.Is(z.Err(), io.EOF) {
				return "", errors.New("no title")
			}
			return "", z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Title:
				inTitle = true
			case atom.Meta:
				var prop, content string
				for _, a := range tok.Attr {
					switch a.Key {
					case "property":
						prop = a.Val
					case "content":
						content = a.Val
					}
				}
				if prop == "og:title" && ogTitle == "" {
					ogTitle = content
				}
			case atom.Body:
				if ogTitle != "" {
					return l.clean(ogTitle), nil
				}
			}
		case html.TextToken:
			if inTitle {
				if t := l.clean(string(z.Text())); t != "" {
					return t, nil
				}
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.DataAtom == atom.Title {
				inTitle = false
			}
		}
	}
}

func (l *Links) clean(s string) string {
	s = l.sanitize.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
