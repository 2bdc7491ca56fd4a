package databricks

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/databricks/databricks-sdk-go/service/workspace"
)

// FakeWorkspaceAPI is a WorkspaceFilesAPI whose behavior is set per method.
// Unset methods report fs.ErrNotExist for lookups and succeed otherwise.
type FakeWorkspaceAPI struct {
	StatFunc            func(ctx context.Context, filePath string) (fs.FileInfo, error)
	ReadDirFunc         func(ctx context.Context, dirPath string) ([]fs.DirEntry, error)
	ReadAllFunc         func(ctx context.Context, filePath string) ([]byte, error)
	WriteFunc           func(ctx context.Context, filePath string, data []byte) error
	DeleteFunc          func(ctx context.Context, filePath string, recursive bool) error
	MkdirFunc           func(ctx context.Context, dirPath string) error
	RenameFunc          func(ctx context.Context, sourcePath, destinationPath string) error
	CacheSetFunc        func(filePath string, info fs.FileInfo)
	CacheInvalidateFunc func(filePath string)
}

var _ WorkspaceFilesAPI = (*FakeWorkspaceAPI)(nil)

func (f *FakeWorkspaceAPI) Stat(ctx context.Context, filePath string) (fs.FileInfo, error) {
	if f.StatFunc != nil {
		return f.StatFunc(ctx, filePath)
	}
	return nil, fs.ErrNotExist
}

func (f *FakeWorkspaceAPI) ReadDir(ctx context.Context, dirPath string) ([]fs.DirEntry, error) {
	if f.ReadDirFunc != nil {
		return f.ReadDirFunc(ctx, dirPath)
	}
	return nil, fs.ErrNotExist
}

func (f *FakeWorkspaceAPI) ReadAll(ctx context.Context, filePath string) ([]byte, error) {
	if f.ReadAllFunc != nil {
		return f.ReadAllFunc(ctx, filePath)
	}
	return nil, fs.ErrNotExist
}

// Write drains r before calling WriteFunc, so fakes see plain bytes.
func (f *FakeWorkspaceAPI) Write(ctx context.Context, filePath string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("write %s: got %d bytes, want %d", filePath, len(data), size)
	}
	if f.WriteFunc != nil {
		return f.WriteFunc(ctx, filePath, data)
	}
	return nil
}

func (f *FakeWorkspaceAPI) Delete(ctx context.Context, filePath string, recursive bool) error {
	if f.DeleteFunc != nil {
		return f.DeleteFunc(ctx, filePath, recursive)
	}
	return nil
}

func (f *FakeWorkspaceAPI) Mkdir(ctx context.Context, dirPath string) error {
	if f.MkdirFunc != nil {
		return f.MkdirFunc(ctx, dirPath)
	}
	return nil
}

func (f *FakeWorkspaceAPI) Rename(ctx context.Context, sourcePath, destinationPath string) error {
	if f.RenameFunc != nil {
		return f.RenameFunc(ctx, sourcePath, destinationPath)
	}
	return nil
}

func (f *FakeWorkspaceAPI) CacheSet(filePath string, info fs.FileInfo) {
	if f.CacheSetFunc != nil {
		f.CacheSetFunc(filePath, info)
	}
}

func (f *FakeWorkspaceAPI) CacheInvalidate(filePath string) {
	if f.CacheInvalidateFunc != nil {
		f.CacheInvalidateFunc(filePath)
	}
}

// MockWorkspaceClient stands in for the SDK's workspace service.
type MockWorkspaceClient struct {
	ExportFunc func(ctx context.Context, request workspace.ExportRequest) (*workspace.ExportResponse, error)
	ImportFunc func(ctx context.Context, request workspace.Import) error
	DeleteFunc func(ctx context.Context, request workspace.Delete) error
	MkdirsFunc func(ctx context.Context, request workspace.Mkdirs) error
}

func (m *MockWorkspaceClient) Export(ctx context.Context, request workspace.ExportRequest) (*workspace.ExportResponse, error) {
	if m.ExportFunc != nil {
		return m.ExportFunc(ctx, request)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *MockWorkspaceClient) Import(ctx context.Context, request workspace.Import) error {
	if m.ImportFunc != nil {
		return m.ImportFunc(ctx, request)
	}
	return fmt.Errorf("not implemented")
}

func (m *MockWorkspaceClient) Delete(ctx context.Context, request workspace.Delete) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, request)
	}
	return fmt.Errorf("not implemented")
}

func (m *MockWorkspaceClient) Mkdirs(ctx context.Context, request workspace.Mkdirs) error {
	if m.MkdirsFunc != nil {
		return m.MkdirsFunc(ctx, request)
	}
	return fmt.Errorf("not implemented")
}

// MockAPIClient stands in for the SDK's raw API client.
type MockAPIClient struct {
	DoFunc func(ctx context.Context, method, path string,
		headers map[string]string, queryParams map[string]any, request, response any,
		visitors ...func(*http.Request) error) error
}

func (m *MockAPIClient) Do(ctx context.Context, method, path string,
	headers map[string]string, queryParams map[string]any, request, response any,
	visitors ...func(*http.Request) error) error {
	if m.DoFunc != nil {
		return m.DoFunc(ctx, method, path, headers, queryParams, request, response, visitors...)
	}
	return fmt.Errorf("not implemented")
}

func NewTestFileInfo(filePath string, size int64, isDir bool) WSFileInfo {
	objType := workspace.ObjectTypeFile
	if isDir {
		objType = workspace.ObjectTypeDirectory
	}
	return WSFileInfo{
		ObjectInfo: workspace.ObjectInfo{
			Path:       filePath,
			ObjectType: objType,
			Size:       size,
			ModifiedAt: time.Now().UnixMilli(),
		},
	}
}

func NewTestFileInfoWithSignedURL(filePath string, size int64, url string, headers map[string]string) WSFileInfo {
	info := NewTestFileInfo(filePath, size, false)
	info.SignedURL = url
	info.SignedURLHeaders = headers
	return info
}

// InMemoryFileSystem is a WorkspaceFilesAPI over maps, for tests that need
// a workspace that remembers writes. The root directory always exists.
type InMemoryFileSystem struct {
	mu     sync.Mutex
	files  map[string][]byte
	mtimes map[string]time.Time
	dirs   map[string]bool
	writes int
}

var _ WorkspaceFilesAPI = (*InMemoryFileSystem)(nil)

func NewInMemoryFileSystem() *InMemoryFileSystem {
	return &InMemoryFileSystem{
		files:  make(map[string][]byte),
		mtimes: make(map[string]time.Time),
		dirs:   map[string]bool{"/": true},
	}
}

func (m *InMemoryFileSystem) SetFile(filePath string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filePath] = content
	m.mtimes[filePath] = time.Now()
}

func (m *InMemoryFileSystem) GetFile(filePath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[filePath]
	return content, ok
}

func (m *InMemoryFileSystem) SetDir(dirPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dirPath] = true
}

// Writes counts successful Write calls.
func (m *InMemoryFileSystem) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *InMemoryFileSystem) infoLocked(filePath string) (WSFileInfo, bool) {
	if m.dirs[filePath] {
		return NewTestFileInfo(filePath, 0, true), true
	}
	if content, ok := m.files[filePath]; ok {
		info := NewTestFileInfo(filePath, int64(len(content)), false)
		info.ModifiedAt = m.mtimes[filePath].UnixMilli()
		return info, true
	}
	return WSFileInfo{}, false
}

func (m *InMemoryFileSystem) Stat(ctx context.Context, filePath string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.infoLocked(filePath); ok {
		return info, nil
	}
	return nil, fs.ErrNotExist
}

func (m *InMemoryFileSystem) ReadDir(ctx context.Context, dirPath string) ([]fs.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[dirPath] {
		return nil, fs.ErrNotExist
	}
	var entries []fs.DirEntry
	add := func(p string) {
		if p != dirPath && path.Dir(p) == dirPath {
			info, _ := m.infoLocked(p)
			entries = append(entries, WSDirEntry{info})
		}
	}
	for p := range m.files {
		add(p)
	}
	for p := range m.dirs {
		add(p)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, nil
}

func (m *InMemoryFileSystem) ReadAll(ctx context.Context, filePath string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[filePath]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return slices.Clone(content), nil
}

func (m *InMemoryFileSystem) Write(ctx context.Context, filePath string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("write %s: got %d bytes, want %d", filePath, len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[path.Dir(filePath)] {
		return fs.ErrNotExist
	}
	m.files[filePath] = data
	m.mtimes[filePath] = time.Now()
	m.writes++
	return nil
}

func (m *InMemoryFileSystem) Delete(ctx context.Context, filePath string, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[filePath]; ok {
		delete(m.files, filePath)
		delete(m.mtimes, filePath)
		return nil
	}
	if !m.dirs[filePath] {
		return fs.ErrNotExist
	}
	prefix := strings.TrimSuffix(filePath, "/") + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			if !recursive {
				return fmt.Errorf("directory %s is not empty", filePath)
			}
			delete(m.files, p)
		}
	}
	for p := range m.dirs {
		if strings.HasPrefix(p, prefix) {
			if !recursive {
				return fmt.Errorf("directory %s is not empty", filePath)
			}
			delete(m.dirs, p)
		}
	}
	delete(m.dirs, filePath)
	return nil
}

func (m *InMemoryFileSystem) Mkdir(ctx context.Context, dirPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dirPath] = true
	return nil
}

func (m *InMemoryFileSystem) Rename(ctx context.Context, sourcePath, destinationPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if content, ok := m.files[sourcePath]; ok {
		m.files[destinationPath] = content
		m.mtimes[destinationPath] = time.Now()
		delete(m.files, sourcePath)
		delete(m.mtimes, sourcePath)
		return nil
	}
	// Children of a renamed directory are not moved.
	if m.dirs[sourcePath] {
		m.dirs[destinationPath] = true
		delete(m.dirs, sourcePath)
		return nil
	}
	return fs.ErrNotExist
}

func (m *InMemoryFileSystem) CacheSet(filePath string, info fs.FileInfo) {}

func (m *InMemoryFileSystem) CacheInvalidate(filePath string) {}
