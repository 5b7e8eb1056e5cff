package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer reads artifacts published behind the model-store HTTP server.
type ModelServer struct {
	// BlobserverURL is the base URL to the model store, typically http://model-store
	BlobserverURL *url.URL
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	u := l.BlobserverURL.JoinPath(info.Key)

	body, err := l.open(ctx, u.String())
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}
	defer body.Close()

	if _, err := writeToFile(ctx, body, destPath); err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}
	return nil
}

func (l *ModelServer) open(ctx context.Context, url string) (io.ReadCloser, error) {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := l.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}

	if resp.StatusCode != 200 {
		resp.Body.Close()
		if resp.StatusCode == 404 {
			return nil, fmt.Errorf("artifact not found: %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	log.V(2).Info("response headers received", "url", url, "duration", time.Since(startedAt))
	return resp.Body, nil
}
