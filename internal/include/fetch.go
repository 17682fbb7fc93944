package include

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProjectFetcher reads files and tags from other repositories.
type ProjectFetcher interface {
	Tags(ctx context.Context, project string) ([]string, error)
	File(ctx context.Context, project, ref, path string) ([]byte, error)
}

// RemoteFetcher downloads a remote include.
type RemoteFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DefaultTemplateURL locates named templates.
const DefaultTemplateURL = "https://gitlab.com/gitlab-org/gitlab/-/raw/master/lib/gitlab/ci/templates/%s"

// HTTPFetcher fetches remote includes over plain HTTP GET. Token, when
// set, is sent as PRIVATE-TOKEN.
type HTTPFetcher struct {
	Client *http.Client
	Token  string
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.Token != "" {
		req.Header.Set("PRIVATE-TOKEN", f.Token)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
