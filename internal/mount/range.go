package mount

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// rangeGet issues a ranged GET against downloadURL, grounded on the same
// http.NewRequestWithContext pattern the sync executor's applyDownload uses
// (internal/reconcile/executor.go), adapted to a Range header instead of a
// whole-file fetch.
func rangeGet(ctx context.Context, downloadURL string, offset int64, length int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mount: building range request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mount: range request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mount: range request unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(length)))
	if err != nil {
		return nil, fmt.Errorf("mount: reading range response: %w", err)
	}

	return data, nil
}
