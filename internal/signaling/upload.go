package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// UploadResult is the relay's reply to a recording upload.
type UploadResult struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Upload posts the file at path to the room's upload endpoint on the same server.
func (c *Client) Upload(ctx context.Context, path string) (*UploadResult, error) {
	endpoint, err := uploadEndpoint(c.opts.URL, c.opts.Room)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the whole recording.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload reply (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || result.Error != "" {
		return &result, fmt.Errorf("upload rejected (status %d): %s", resp.StatusCode, result.Error)
	}
	return &result, nil
}
