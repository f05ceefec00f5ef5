package runner

import (
	"context"
	"fmt"

	"google.golang.org/api/option"

	"github.com/teemow/handovermail/internal/dispatch"
	"github.com/teemow/handovermail/internal/drive"
	"github.com/teemow/handovermail/internal/gmail"
	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/sheets"
)

// Clients are the API collaborators of one run, acting as one user.
type Clients struct {
	Mailer dispatch.Mailer
	Sheets sheets.Service
	Files  dispatch.Files
}

// Backend opens the clients for a user.
type Backend interface {
	Open(ctx context.Context, user string) (Clients, error)
}

// GoogleBackend builds Gmail, Sheets and Drive clients from the user's
// stored credential.
type GoogleBackend struct {
	Factory  *google.ClientFactory
	Settings google.Settings

	// ClientOptions are appended after the authenticated HTTP client.
	ClientOptions []option.ClientOption

	// MaxExportSize caps attachment exports; zero keeps the Drive default.
	MaxExportSize int64
}

func (b *GoogleBackend) Open(ctx context.Context, user string) (Clients, error) {
	hc, err := b.Factory.HTTPClient(ctx, user)
	if err != nil {
		return Clients{}, err
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(hc)}, b.ClientOptions...)

	mail, err := gmail.NewClient(ctx, b.Settings, opts...)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to create gmail client: %w", err)
	}
	sh, err := sheets.NewClient(ctx, b.Settings, opts...)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to create sheets client: %w", err)
	}
	files, err := drive.NewClient(ctx, b.Settings, opts...)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to create drive client: %w", err)
	}
	if b.MaxExportSize > 0 {
		files.SetMaxSize(b.MaxExportSize)
	}
	return Clients{Mailer: mail, Sheets: sh, Files: files}, nil
}
