package databricks

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/databricks/databricks-sdk-go/apierr"

	"piecefs/internal/channel"
	"piecefs/internal/retry"
)

// RemoteSink commits channel content to filePath in the workspace. Client
// errors other than throttling are not retried.
func RemoteSink(api WorkspaceFilesAPI, filePath string) channel.Sink {
	return channel.SinkFunc(func(ctx context.Context, r io.Reader, size int64) error {
		err := api.Write(ctx, filePath, r, size)
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}
	var apiErr *apierr.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
