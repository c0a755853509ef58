package system

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

// Downloader fetches release artifacts over HTTP. Downloads always run on
// the controller machine; the bytes are then staged onto the target through
// the runner, which keeps remote provisioning free of outbound network
// requirements on the target itself.
type Downloader struct {
	client *http.Client

	// onBytes, when set, receives the size of each completed download.
	onBytes func(n int64)
}

// NewDownloader creates a downloader with a generous timeout suitable for
// release tarballs on slow links.
func NewDownloader() *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 15 * time.Minute},
	}
}

// OnBytes registers a callback for completed download sizes.
func (d *Downloader) OnBytes(fn func(n int64)) {
	d.onBytes = fn
}

// Fetch downloads url and returns the body. Connectivity failures map to
// NetworkUnavailable so a later run can retry the same step.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	log.Info().Str("url", url).Msg("downloading artifact")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NewInvalidArgument(fmt.Sprintf("bad download URL %q", url), err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, engine.NewNetworkUnavailable(fmt.Sprintf("fetch %s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, engine.NewNetworkUnavailable(
			fmt.Sprintf("fetch %s: unexpected status %s", url, resp.Status), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewNetworkUnavailable(fmt.Sprintf("read body of %s", url), err)
	}

	log.Debug().Str("url", url).Int("bytes", len(body)).Msg("download complete")
	if d.onBytes != nil {
		d.onBytes(int64(len(body)))
	}
	return body, nil
}
