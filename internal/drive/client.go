package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/instrumentation"
)

// DefaultMaxExportSize matches the Drive export limit.
const DefaultMaxExportSize = 10 << 20

// ErrTooLarge is returned when a file exceeds the configured size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

var fileIDPattern = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// FileIDFromURL extracts the file id from a Drive or Docs share URL such as
// https://docs.google.com/spreadsheets/d/<id>/edit#gid=0. It reports false
// when the URL has no /d/<id> segment.
func FileIDFromURL(url string) (string, bool) {
	m := fileIDPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Client wraps the Google Drive API service
type Client struct {
	service  *drive.Service
	settings google.Settings
	maxSize  int64
}

// NewClient creates a Drive client. Authentication comes from opts.
func NewClient(ctx context.Context, settings google.Settings, opts ...option.ClientOption) (*Client, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return &Client{service: svc, settings: settings, maxSize: DefaultMaxExportSize}, nil
}

// SetMaxSize changes the largest file Export accepts.
func (c *Client) SetMaxSize(n int64) {
	c.maxSize = n
}

// Export returns the content of fileID converted to mimeType. Files that are
// not Google editor documents cannot be converted and are downloaded instead.
func (c *Client) Export(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	if fileID == "" {
		return nil, fmt.Errorf("fileID is required")
	}

	data, err := google.Call(ctx, c.settings, instrumentation.ServiceDrive, instrumentation.OperationExport, nil,
		func(ctx context.Context) ([]byte, error) {
			resp, err := c.service.Files.Export(fileID, mimeType).Context(ctx).Download()
			if err != nil {
				return nil, err
			}
			return c.readAll(resp)
		})
	if err == nil {
		return data, nil
	}
	if !notExportable(err) {
		return nil, fmt.Errorf("failed to export file %s: %w", fileID, err)
	}

	data, err = google.Call(ctx, c.settings, instrumentation.ServiceDrive, instrumentation.OperationGet, nil,
		func(ctx context.Context) ([]byte, error) {
			resp, err := c.service.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
			if err != nil {
				return nil, err
			}
			return c.readAll(resp)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	return data, nil
}

func (c *Client) readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, c.maxSize)
	}
	return data, nil
}

func notExportable(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code != http.StatusForbidden && gerr.Code != http.StatusBadRequest {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "fileNotExportable" {
			return true
		}
	}
	return false
}
