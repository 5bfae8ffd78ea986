// Package repository defines the remote content repository contract the
// ingestion pipeline downloads resources from.
package repository

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"golang.org/x/oauth2"

	"github.com/yairfalse/geoingest/pkg/layer"
)

// FileInfo is one file of a resource.
type FileInfo struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size"`
}

// NewResource describes a resource to create. Backends store it with their
// generic resource type.
type NewResource struct {
	Title    string
	Abstract string
	Keywords []string
}

// Client reads and writes resources on behalf of one user.
type Client interface {
	// ListResources returns the resources the user owns.
	ListResources(ctx context.Context) ([]layer.Resource, error)
	// CreateResource creates an empty resource and returns its id.
	CreateResource(ctx context.Context, res NewResource) (string, error)
	Metadata(ctx context.Context, resID string) (layer.Resource, error)
	ScienceMetadata(ctx context.Context, resID string) ([]byte, error)
	ListFiles(ctx context.Context, resID string) ([]FileInfo, error)
	// Download writes the resource's content files under dir.
	Download(ctx context.Context, resID, dir string) error
	// DownloadFile writes one content file into dir and returns its path.
	DownloadFile(ctx context.Context, resID, name, dir string) (string, error)
	UploadFile(ctx context.Context, resID, name string, r io.Reader) error
	DeleteFile(ctx context.Context, resID, name string) error
}

// Credentials identify the user a client acts for.
type Credentials struct {
	Username string
	Token    *oauth2.Token
}

// Provider hands out clients bound to a user.
type Provider interface {
	ForUser(ctx context.Context, creds Credentials) (Client, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, creds Credentials) (Client, error)

// ForUser calls f.
func (f ProviderFunc) ForUser(ctx context.Context, creds Credentials) (Client, error) {
	return f(ctx, creds)
}

// TotalSize sums listed file sizes.
func TotalSize(files []FileInfo) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// CheckSize lists the resource's files and rejects it when their combined
// size exceeds limit. A zero limit disables the check. The listing is
// returned so callers need not fetch it again.
func CheckSize(ctx context.Context, c Client, resID string, limit uint64) ([]FileInfo, error) {
	files, err := c.ListFiles(ctx, resID)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		return files, nil
	}
	total := TotalSize(files)
	if total > 0 && uint64(total) > limit {
		return nil, layer.NewError(layer.KindTooLarge, "size check",
			fmt.Sprintf("This resource is too large to open (%s, the limit is %s).",
				humanize.IBytes(uint64(total)), humanize.IBytes(limit)), nil)
	}
	return files, nil
}
