package remoteclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// wireEntry is the JSON wire shape for a remote entry, matching spec §6:
// "all responses must include fileId, parentFileId, name, type, size,
// contentHash where applicable".
type wireEntry struct {
	FileID       string `json:"fileId"`
	ParentFileID string `json:"parentFileId"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	ContentHash  string `json:"contentHash"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

func (w wireEntry) toEntry() Entry {
	created, _ := time.Parse(time.RFC3339, w.CreatedAt)
	updated, _ := time.Parse(time.RFC3339, w.UpdatedAt)

	return Entry{
		FileID:       w.FileID,
		ParentFileID: w.ParentFileID,
		Name:         w.Name,
		Type:         EntryType(w.Type),
		Size:         w.Size,
		ContentHash:  w.ContentHash,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}
}

// DriveInfo returns drive identifiers (spec §4.5).
func (c *Client) DriveInfo(ctx context.Context) (*DriveInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/drive", nil)
	if err != nil {
		return nil, err
	}

	var out DriveInfo
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// SpaceInfo returns quota metadata (spec §4.5).
func (c *Client) SpaceInfo(ctx context.Context) (*SpaceInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/drive/space", nil)
	if err != nil {
		return nil, err
	}

	var out SpaceInfo
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// VipInfo returns membership/tier metadata (spec §4.5).
func (c *Client) VipInfo(ctx context.Context) (*VipInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/drive/vip", nil)
	if err != nil {
		return nil, err
	}

	var out VipInfo
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// List returns one page of parentID's children (spec §4.5), honoring the
// minimum 250ms inter-call gap.
func (c *Client) List(ctx context.Context, parentID, marker string, limit int) ([]Entry, string, error) {
	if err := c.listLimiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("remoteclient: list rate limit wait: %w", err)
	}

	path := fmt.Sprintf("/files?parentId=%s&marker=%s&limit=%d",
		pathEscape(parentID), pathEscape(marker), limit)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}

	var out struct {
		Items      []wireEntry `json:"items"`
		NextMarker string      `json:"nextMarker"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, "", err
	}

	entries := make([]Entry, len(out.Items))
	for i, w := range out.Items {
		entries[i] = w.toEntry()
	}

	return entries, out.NextMarker, nil
}

// SearchAll performs a full enumeration page, throttled to ≤4 requests/sec
// (spec §4.5).
func (c *Client) SearchAll(ctx context.Context, marker string, limit int) ([]Entry, string, error) {
	if err := c.searchLimiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("remoteclient: searchAll rate limit wait: %w", err)
	}

	path := fmt.Sprintf("/files/search?marker=%s&limit=%d", pathEscape(marker), limit)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}

	var out struct {
		Items      []wireEntry `json:"items"`
		NextMarker string      `json:"nextMarker"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, "", err
	}

	entries := make([]Entry, len(out.Items))
	for i, w := range out.Items {
		entries[i] = w.toEntry()
	}

	return entries, out.NextMarker, nil
}

// GetDetail fetches metadata including a pre-signed download URL and
// contentHash (spec §4.5).
func (c *Client) GetDetail(ctx context.Context, fileID string) (*Entry, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/files/"+pathEscape(fileID), nil)
	if err != nil {
		return nil, "", err
	}

	var out struct {
		wireEntry
		DownloadURL string `json:"downloadUrl"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, "", err
	}

	entry := out.wireEntry.toEntry()

	return &entry, out.DownloadURL, nil
}

// GetDownloadURL returns a time-limited download URL for fileID (spec §4.5).
func (c *Client) GetDownloadURL(ctx context.Context, fileID string, expirySec int) (string, error) {
	path := fmt.Sprintf("/files/%s/download-url?expiry=%d", pathEscape(fileID), expirySec)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}

	return out.URL, nil
}

// CreateFolder creates a folder under parentID (spec §4.5). nameMode
// controls the already-exists behavior.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string, nameMode NameMode) (*Entry, error) {
	body, err := jsonBody(map[string]any{
		"parentId": parentID,
		"name":     name,
		"nameMode": nameModeString(nameMode),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/folders", body)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Category == CategoryAlreadyExists && nameMode == NameModeIgnore {
			return nil, nil //nolint:nilnil // "ignore" mode treats a name clash as a no-op, per spec §4.5 nameMode semantics
		}

		return nil, err
	}

	var out wireEntry
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	entry := out.toEntry()

	return &entry, nil
}

// CreateFile begins an upload for a file of the given size (spec §4.5,
// §4.6.3). opts carries the optional rapid-upload pre-hash/full-hash
// negotiation fields.
func (c *Client) CreateFile(
	ctx context.Context, parentID, name string, size int64, nameMode NameMode, partCount int, opts *CreateFileOptions,
) (*CreateFileResult, error) {
	req := map[string]any{
		"parentId":  parentID,
		"name":      name,
		"size":      size,
		"nameMode":  nameModeString(nameMode),
		"partCount": partCount,
	}

	if opts != nil {
		if opts.PreHash != "" {
			req["preHash"] = opts.PreHash
		}

		if opts.ContentHash != "" {
			req["contentHash"] = opts.ContentHash
			req["proofCode"] = opts.ProofCode
		}
	}

	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/files", body)
	if err != nil {
		return nil, err
	}

	var out struct {
		FileID   string `json:"fileId"`
		UploadID string `json:"uploadId"`
		Rapid    bool   `json:"rapid"`
		Parts    []struct {
			Number    int    `json:"number"`
			UploadURL string `json:"uploadUrl"`
		} `json:"parts"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	result := &CreateFileResult{FileID: out.FileID, UploadID: out.UploadID, Rapid: out.Rapid}
	for _, p := range out.Parts {
		result.Parts = append(result.Parts, UploadPart{Number: p.Number, UploadURL: p.UploadURL})
	}

	return result, nil
}

// UploadPart PUTs one part body to its presigned URL (spec §4.5). The PUT
// is idempotent: re-uploading the same part number is always safe.
func (c *Client) UploadPart(ctx context.Context, uploadURL string, data io.ReadSeeker, length int64) error {
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("remoteclient: rewinding part body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, data)
	if err != nil {
		return fmt.Errorf("remoteclient: building part PUT: %w", err)
	}

	req.ContentLength = length
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remoteclient: uploading part: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort connection reuse

		cat, sentinel := classify(resp.StatusCode, false)

		return &Error{Category: cat, StatusCode: resp.StatusCode, Err: sentinel}
	}

	return nil
}

// Complete finalizes a multi-part upload (spec §4.5).
func (c *Client) Complete(ctx context.Context, fileID, uploadID string) (*Entry, error) {
	body, err := jsonBody(map[string]any{"uploadId": uploadID})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/files/"+pathEscape(fileID)+"/complete", body)
	if err != nil {
		return nil, err
	}

	var out wireEntry
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	entry := out.toEntry()

	return &entry, nil
}

// Update renames fileID (spec §4.5).
func (c *Client) Update(ctx context.Context, fileID, newName string, nameMode NameMode) (*MoveResult, error) {
	body, err := jsonBody(map[string]any{"name": newName, "nameMode": nameModeString(nameMode)})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPatch, "/files/"+pathEscape(fileID), body)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Category == CategoryAlreadyExists {
			return &MoveResult{Exist: true}, nil
		}

		return nil, err
	}
	defer resp.Body.Close()

	return &MoveResult{Exist: false}, nil
}

// Move relocates fileID to newParent, optionally renaming it (spec §4.5).
func (c *Client) Move(ctx context.Context, fileID, newParent string, newName string) (*MoveResult, error) {
	req := map[string]any{"newParent": newParent}
	if newName != "" {
		req["newName"] = newName
	}

	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/files/"+pathEscape(fileID)+"/move", body)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Category == CategoryAlreadyExists {
			return &MoveResult{Exist: true}, nil
		}

		return nil, err
	}
	defer resp.Body.Close()

	return &MoveResult{Exist: false}, nil
}

// Delete removes fileID, optionally sending it to the recycle bin (spec §4.5).
func (c *Client) Delete(ctx context.Context, fileID string, toRecycleBin bool) error {
	path := "/files/" + pathEscape(fileID) + "?recycle=" + strconv.FormatBool(toRecycleBin)

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

func nameModeString(m NameMode) string {
	if m == NameModeIgnore {
		return "ignore"
	}

	return "refuse"
}

