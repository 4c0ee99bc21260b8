package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/wingetdash/fleet/internal/server/config"
)

// AzureProvider stores bundles in an Azure Blob Storage container.
type AzureProvider struct {
	client    *azblob.Client
	container string
}

func NewAzureProvider(cfg config.AzureConfig) (*AzureProvider, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureProvider{client: client, container: cfg.Container}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Upload(ctx context.Context, key string, r io.Reader, _ int64) error {
	if _, err := p.client.UploadStream(ctx, p.container, key, r, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}

func (p *AzureProvider) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := p.client.DownloadStream(ctx, p.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("azure download %s: %w", key, err)
	}
	return resp.Body, nil
}

func (p *AzureProvider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteBlob(ctx, p.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}
