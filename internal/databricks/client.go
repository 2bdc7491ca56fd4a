package databricks

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/client"
	"github.com/databricks/databricks-sdk-go/service/workspace"

	"piecefs/internal/logging"
	"piecefs/internal/metacache"
	"piecefs/internal/pathutil"
	"piecefs/internal/retry"
)

const (
	// Files at least this large move through signed URLs instead of the
	// base64 export/import endpoints.
	signedURLThreshold = 5 << 20

	transferTimeout = 5 * time.Minute
	statCacheTTL    = 60 * time.Second
	maxErrorBody    = 512
)

// WSFileInfo is the fs.FileInfo of a workspace object.
type WSFileInfo struct {
	workspace.ObjectInfo
	SignedURL        string
	SignedURLHeaders map[string]string
}

func (info WSFileInfo) Name() string {
	return pathutil.MountName(path.Base(info.Path), info.IsNotebook())
}

func (info WSFileInfo) Size() int64 {
	return info.ObjectInfo.Size
}

func (info WSFileInfo) Mode() fs.FileMode {
	if info.IsDir() {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

func (info WSFileInfo) ModTime() time.Time {
	return time.UnixMilli(info.ModifiedAt)
}

func (info WSFileInfo) IsDir() bool {
	return info.ObjectType == workspace.ObjectTypeDirectory || info.ObjectType == workspace.ObjectTypeRepo
}

func (info WSFileInfo) IsNotebook() bool {
	return info.ObjectType == workspace.ObjectTypeNotebook
}

func (info WSFileInfo) Sys() any {
	return info.ObjectInfo
}

// toWSFileInfo unwraps info when it describes a workspace object.
func toWSFileInfo(info fs.FileInfo) (WSFileInfo, bool) {
	ws, ok := info.(WSFileInfo)
	return ws, ok
}

type WSDirEntry struct {
	WSFileInfo
}

func (entry WSDirEntry) Type() fs.FileMode {
	return entry.Mode().Type()
}

func (entry WSDirEntry) Info() (fs.FileInfo, error) {
	return entry.WSFileInfo, nil
}

type signedURL struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type wsfsObjectInfo struct {
	ObjectInfo workspace.ObjectInfo `json:"object_info"`
	SignedURL  *signedURL           `json:"signed_url,omitempty"`
}

func (o wsfsObjectInfo) toFileInfo() WSFileInfo {
	info := WSFileInfo{ObjectInfo: o.ObjectInfo}
	if o.SignedURL != nil {
		info.SignedURL = o.SignedURL.URL
		info.SignedURLHeaders = o.SignedURL.Headers
	}
	return info
}

type listFilesResponse struct {
	Objects []wsfsObjectInfo `json:"objects"`
}

type objectInfoResponse struct {
	WsfsObjectInfo wsfsObjectInfo `json:"wsfs_object_info"`
}

type newFilesResponse struct {
	SignedURLs []signedURL `json:"signed_urls"`
}

type apiDoer interface {
	Do(ctx context.Context, method, path string,
		headers map[string]string, queryParams map[string]any, request, response any,
		visitors ...func(*http.Request) error) error
}

// workspaceClient is the part of workspace.WorkspaceInterface the client
// calls.
type workspaceClient interface {
	Export(ctx context.Context, request workspace.ExportRequest) (*workspace.ExportResponse, error)
	Import(ctx context.Context, request workspace.Import) error
	Delete(ctx context.Context, request workspace.Delete) error
	Mkdirs(ctx context.Context, request workspace.Mkdirs) error
}

type WorkspaceFilesClient struct {
	workspaceClient workspaceClient
	apiClient       apiDoer
	httpClient      *retry.HTTPClient
	cache           *metacache.Cache
}

var _ WorkspaceFilesAPI = (*WorkspaceFilesClient)(nil)

func NewWorkspaceFilesClient(w *databricks.WorkspaceClient) (*WorkspaceFilesClient, error) {
	apiClient, err := client.New(w.Config)
	if err != nil {
		return nil, err
	}
	return NewWorkspaceFilesClientWithDeps(w.Workspace, apiClient, nil), nil
}

func NewWorkspaceFilesClientWithDeps(workspaceClient workspaceClient, apiClient apiDoer, c *metacache.Cache) *WorkspaceFilesClient {
	if c == nil {
		c = metacache.NewCache(statCacheTTL)
	}
	return &WorkspaceFilesClient{
		workspaceClient: workspaceClient,
		apiClient:       apiClient,
		httpClient:      retry.NewHTTPClient(transferTimeout, retry.DefaultConfig()),
		cache:           c,
	}
}

// Stat resolves a mount path. A path ending in .ipynb only matches a
// notebook stored under the name without the suffix.
func (c *WorkspaceFilesClient) Stat(ctx context.Context, filePath string) (fs.FileInfo, error) {
	if info, found := c.cache.Get(filePath); found {
		if info == nil {
			return nil, fs.ErrNotExist
		}
		return info, nil
	}

	info, err := c.objectInfo(ctx, pathutil.Remote(filePath))
	if err == nil && pathutil.IsNotebook(filePath) && !info.IsNotebook() {
		err = fs.ErrNotExist
	}
	if err != nil {
		c.cache.Set(filePath, nil)
		return nil, err
	}
	c.cache.Set(filePath, info)
	return info, nil
}

func (c *WorkspaceFilesClient) objectInfo(ctx context.Context, remotePath string) (WSFileInfo, error) {
	var resp objectInfoResponse
	urlPath := "/api/2.0/workspace-files/object-info?path=" + url.QueryEscape(remotePath)
	if err := c.apiClient.Do(ctx, http.MethodGet, urlPath, nil, nil, nil, &resp); err != nil {
		return WSFileInfo{}, err
	}
	return resp.WsfsObjectInfo.toFileInfo(), nil
}

// ReadDir lists dirPath sorted by name and primes the stat cache with every
// entry.
func (c *WorkspaceFilesClient) ReadDir(ctx context.Context, dirPath string) ([]fs.DirEntry, error) {
	var resp listFilesResponse
	urlPath := "/api/2.0/workspace-files/list-files?path=" + url.QueryEscape(dirPath)
	if err := c.apiClient.Do(ctx, http.MethodGet, urlPath, nil, nil, nil, &resp); err != nil {
		return nil, err
	}

	entries := make([]fs.DirEntry, 0, len(resp.Objects))
	for _, obj := range resp.Objects {
		info := obj.toFileInfo()
		entries = append(entries, WSDirEntry{info})
		c.cache.Set(path.Join(dirPath, info.Name()), info)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// ReadAll downloads the content of a file. Notebooks are exported as
// Jupyter documents.
func (c *WorkspaceFilesClient) ReadAll(ctx context.Context, filePath string) ([]byte, error) {
	info, err := c.Stat(ctx, filePath)
	if err != nil {
		return nil, err
	}
	wsInfo, ok := toWSFileInfo(info)
	if !ok {
		return nil, fmt.Errorf("unexpected file info type %T for %s", info, filePath)
	}

	if wsInfo.IsNotebook() {
		return c.export(ctx, wsInfo.Path, workspace.ExportFormatJupyter)
	}

	if wsInfo.SignedURL != "" && wsInfo.Size() >= signedURLThreshold {
		data, err := c.readViaSignedURL(ctx, wsInfo.SignedURL, wsInfo.SignedURLHeaders)
		if err == nil {
			logging.Debugf("Read via signed URL succeeded for %s", filePath)
			return data, nil
		}
		logging.Debugf("Read via signed URL failed for %s, falling back to export: %s", filePath, sanitizeError(err))
	}
	return c.export(ctx, wsInfo.Path, workspace.ExportFormatSource)
}

func (c *WorkspaceFilesClient) export(ctx context.Context, remotePath string, format workspace.ExportFormat) ([]byte, error) {
	resp, err := c.workspaceClient.Export(ctx, workspace.ExportRequest{Path: remotePath, Format: format})
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.Content)
}

func (c *WorkspaceFilesClient) readViaSignedURL(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		return nil, fmt.Errorf("signed URL GET %s failed with status %d: %s",
			sanitizeURL(rawURL), resp.StatusCode, truncateBody(string(body), maxErrorBody))
	}
	return io.ReadAll(resp.Body)
}

// Write replaces filePath with size bytes from r. The content is buffered
// because every upload path either base64-encodes it or may replay it.
func (c *WorkspaceFilesClient) Write(ctx context.Context, filePath string, r io.Reader, size int64) error {
	c.cache.Invalidate(filePath)

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read content for %s: %w", filePath, err)
	}

	if pathutil.IsNotebook(filePath) {
		return c.workspaceClient.Import(ctx, workspace.Import{
			Path:      pathutil.Remote(filePath),
			Format:    workspace.ImportFormatJupyter,
			Content:   base64.StdEncoding.EncodeToString(data),
			Overwrite: true,
		})
	}

	if size >= signedURLThreshold {
		err := c.writeViaNewFiles(ctx, filePath, data)
		if err == nil {
			logging.Debugf("Write via new-files succeeded for %s", filePath)
			return nil
		}
		logging.Debugf("Write via new-files failed for %s, trying write-files: %s", filePath, sanitizeError(err))

		err = c.writeViaWriteFiles(ctx, filePath, data)
		if err == nil {
			logging.Debugf("Write via write-files succeeded for %s", filePath)
			return nil
		}
		logging.Debugf("Write via write-files failed for %s, falling back to import-file: %v", filePath, err)
	}

	urlPath := fmt.Sprintf("/api/2.0/workspace-files/import-file/%s?overwrite=true",
		url.PathEscape(strings.TrimLeft(filePath, "/")))
	return c.apiClient.Do(ctx, http.MethodPost, urlPath, nil, nil, bytes.NewReader(data), nil)
}

func (c *WorkspaceFilesClient) writeViaNewFiles(ctx context.Context, filePath string, data []byte) error {
	reqBody := map[string]any{"path": filePath}
	var resp newFilesResponse
	if err := c.apiClient.Do(ctx, http.MethodPost, "/api/2.0/workspace-files/new-files", nil, nil, reqBody, &resp); err != nil {
		return err
	}
	if len(resp.SignedURLs) == 0 {
		return fmt.Errorf("no signed URL returned")
	}

	target := resp.SignedURLs[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	putResp, err := c.httpClient.Do(req)
	if err != nil {
		if putResp != nil {
			putResp.Body.Close()
		}
		return err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK && putResp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(putResp.Body, maxErrorBody+1))
		return fmt.Errorf("signed URL PUT %s failed with status %d: %s",
			sanitizeURL(target.URL), putResp.StatusCode, truncateBody(string(body), maxErrorBody))
	}
	return nil
}

func (c *WorkspaceFilesClient) writeViaWriteFiles(ctx context.Context, filePath string, data []byte) error {
	reqBody := map[string]any{
		"files": []map[string]any{{
			"path":      filePath,
			"content":   base64.StdEncoding.EncodeToString(data),
			"overwrite": true,
		}},
	}
	return c.apiClient.Do(ctx, http.MethodPost, "/api/2.0/workspace-files/write-files", nil, nil, reqBody, nil)
}

func (c *WorkspaceFilesClient) Delete(ctx context.Context, filePath string, recursive bool) error {
	c.cache.Invalidate(filePath)
	return c.workspaceClient.Delete(ctx, workspace.Delete{
		Path:      pathutil.Remote(filePath),
		Recursive: recursive,
	})
}

func (c *WorkspaceFilesClient) Mkdir(ctx context.Context, dirPath string) error {
	c.cache.Invalidate(dirPath)
	return c.workspaceClient.Mkdirs(ctx, workspace.Mkdirs{Path: dirPath})
}

func (c *WorkspaceFilesClient) Rename(ctx context.Context, sourcePath, destinationPath string) error {
	reqBody := map[string]any{
		"source_path":      pathutil.Remote(sourcePath),
		"destination_path": pathutil.Remote(destinationPath),
	}
	if err := c.apiClient.Do(ctx, http.MethodPost, "/api/2.0/workspace/rename", nil, nil, reqBody, nil); err != nil {
		return err
	}
	c.cache.Invalidate(sourcePath)
	c.cache.Invalidate(destinationPath)
	return nil
}

func (c *WorkspaceFilesClient) CacheSet(filePath string, info fs.FileInfo) {
	c.cache.Set(filePath, info)
}

func (c *WorkspaceFilesClient) CacheInvalidate(filePath string) {
	c.cache.Invalidate(filePath)
}

// sanitizeURL drops the query and fragment, which carry the signature of a
// signed URL.
func sanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid URL]"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return urlPattern.ReplaceAllStringFunc(err.Error(), sanitizeURL)
}

func truncateBody(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "...[truncated]"
}
