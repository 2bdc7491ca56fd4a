package databricks

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/databricks/databricks-sdk-go/apierr"
	"github.com/databricks/databricks-sdk-go/service/workspace"

	"piecefs/internal/metacache"
	"piecefs/internal/retry"
)

// routeAPI answers raw API calls by the first route whose key is a
// substring of the request path.
func routeAPI(t *testing.T, routes map[string]func(request, response any) error) *MockAPIClient {
	t.Helper()
	return &MockAPIClient{
		DoFunc: func(ctx context.Context, method, path string,
			headers map[string]string, queryParams map[string]any, request, response any,
			visitors ...func(*http.Request) error) error {
			for key, fn := range routes {
				if strings.Contains(path, key) {
					return fn(request, response)
				}
			}
			return fmt.Errorf("unexpected path: %s", path)
		},
	}
}

func objectInfo(p string, objType workspace.ObjectType, size int64, signed *signedURL) func(request, response any) error {
	return func(request, response any) error {
		resp := response.(*objectInfoResponse)
		resp.WsfsObjectInfo = wsfsObjectInfo{
			ObjectInfo: workspace.ObjectInfo{
				Path:       p,
				ObjectType: objType,
				Size:       size,
				ModifiedAt: time.Now().UnixMilli(),
			},
			SignedURL: signed,
		}
		return nil
	}
}

func exportOf(content []byte, formats *[]workspace.ExportFormat) *MockWorkspaceClient {
	return &MockWorkspaceClient{
		ExportFunc: func(ctx context.Context, req workspace.ExportRequest) (*workspace.ExportResponse, error) {
			*formats = append(*formats, req.Format)
			return &workspace.ExportResponse{Content: base64.StdEncoding.EncodeToString(content)}, nil
		},
	}
}

func TestStatCachesHitsAndMisses(t *testing.T) {
	calls := 0
	api := routeAPI(t, map[string]func(request, response any) error{
		"object-info": func(request, response any) error {
			calls++
			return objectInfo("/test.txt", workspace.ObjectTypeFile, 100, nil)(request, response)
		},
	})
	client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, nil)
	ctx := context.Background()

	for range 2 {
		info, err := client.Stat(ctx, "/test.txt")
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if info.Name() != "test.txt" || info.Size() != 100 {
			t.Fatalf("unexpected info %s/%d", info.Name(), info.Size())
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 API call, got %d", calls)
	}

	missing := &MockAPIClient{DoFunc: func(ctx context.Context, method, path string,
		headers map[string]string, queryParams map[string]any, request, response any,
		visitors ...func(*http.Request) error) error {
		calls++
		return fs.ErrNotExist
	}}
	client = NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, missing, nil)
	calls = 0
	for range 2 {
		if _, err := client.Stat(ctx, "/missing"); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected ErrNotExist, got %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("negative entry not cached: %d calls", calls)
	}
}

func TestStatNotebookSuffix(t *testing.T) {
	api := routeAPI(t, map[string]func(request, response any) error{
		"object-info?path=%2Ftest%2Fnotebook": objectInfo("/test/notebook", workspace.ObjectTypeNotebook, 100, nil),
		"object-info?path=%2Ftest%2Ffile":     objectInfo("/test/file", workspace.ObjectTypeFile, 100, nil),
	})
	client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, nil)

	info, err := client.Stat(context.Background(), "/test/notebook.ipynb")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	ws := info.(WSFileInfo)
	if !ws.IsNotebook() || ws.Path != "/test/notebook" || ws.Name() != "notebook.ipynb" {
		t.Errorf("unexpected notebook info: %+v name=%s", ws.ObjectInfo, ws.Name())
	}

	if _, err := client.Stat(context.Background(), "/test/file.ipynb"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist for a plain file with .ipynb suffix, got %v", err)
	}
}

func TestReadDirSortsAndPrimesCache(t *testing.T) {
	statCalls := 0
	api := routeAPI(t, map[string]func(request, response any) error{
		"list-files": func(request, response any) error {
			resp := response.(*listFilesResponse)
			for _, o := range []struct {
				p string
				t workspace.ObjectType
			}{
				{"/test/zeta.txt", workspace.ObjectTypeFile},
				{"/test/nb", workspace.ObjectTypeNotebook},
				{"/test/alpha", workspace.ObjectTypeDirectory},
			} {
				resp.Objects = append(resp.Objects, wsfsObjectInfo{ObjectInfo: workspace.ObjectInfo{Path: o.p, ObjectType: o.t}})
			}
			return nil
		},
		"object-info": func(request, response any) error {
			statCalls++
			return fs.ErrNotExist
		},
	})
	client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, nil)

	entries, err := client.ReadDir(context.Background(), "/test")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if strings.Join(names, ",") != "alpha,nb.ipynb,zeta.txt" {
		t.Errorf("names = %v", names)
	}
	if !entries[0].IsDir() || entries[0].Type() != fs.ModeDir {
		t.Error("alpha should be a directory")
	}

	if _, err := client.Stat(context.Background(), "/test/nb.ipynb"); err != nil {
		t.Errorf("Stat of listed notebook: %v", err)
	}
	if statCalls != 0 {
		t.Errorf("expected stat cache to be primed, got %d calls", statCalls)
	}
}

func TestReadAllPaths(t *testing.T) {
	small := []byte("small test content")
	large := bytes.Repeat([]byte{7}, signedURLThreshold)

	var signedHits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signedHits++
		if r.Header.Get("X-Test-Header") != "v" {
			t.Errorf("signed URL header missing")
		}
		w.Write(large)
	}))
	defer server.Close()
	signed := &signedURL{URL: server.URL, Headers: map[string]string{"X-Test-Header": "v"}}

	t.Run("small file exports", func(t *testing.T) {
		var formats []workspace.ExportFormat
		api := routeAPI(t, map[string]func(request, response any) error{
			"object-info": objectInfo("/small.txt", workspace.ObjectTypeFile, int64(len(small)), signed),
		})
		client := NewWorkspaceFilesClientWithDeps(exportOf(small, &formats), api, nil)
		signedHits = 0

		data, err := client.ReadAll(context.Background(), "/small.txt")
		if err != nil || !bytes.Equal(data, small) {
			t.Fatalf("ReadAll = %q, %v", data, err)
		}
		if signedHits != 0 {
			t.Error("signed URL used for a small file")
		}
		if len(formats) != 1 || formats[0] != workspace.ExportFormatSource {
			t.Errorf("export formats = %v", formats)
		}
	})

	t.Run("large file uses signed URL", func(t *testing.T) {
		var formats []workspace.ExportFormat
		api := routeAPI(t, map[string]func(request, response any) error{
			"object-info": objectInfo("/large.bin", workspace.ObjectTypeFile, int64(len(large)), signed),
		})
		client := NewWorkspaceFilesClientWithDeps(exportOf(nil, &formats), api, nil)
		signedHits = 0

		data, err := client.ReadAll(context.Background(), "/large.bin")
		if err != nil || len(data) != len(large) {
			t.Fatalf("ReadAll = %d bytes, %v", len(data), err)
		}
		if signedHits != 1 || len(formats) != 0 {
			t.Errorf("signed hits %d, exports %v", signedHits, formats)
		}
	})

	t.Run("signed URL failure falls back to export", func(t *testing.T) {
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer broken.Close()

		var formats []workspace.ExportFormat
		api := routeAPI(t, map[string]func(request, response any) error{
			"object-info": objectInfo("/large.bin", workspace.ObjectTypeFile, int64(len(large)), &signedURL{URL: broken.URL + "?sig=secret"}),
		})
		client := NewWorkspaceFilesClientWithDeps(exportOf(large, &formats), api, nil)

		data, err := client.ReadAll(context.Background(), "/large.bin")
		if err != nil || len(data) != len(large) {
			t.Fatalf("ReadAll = %d bytes, %v", len(data), err)
		}
		if len(formats) != 1 {
			t.Errorf("expected one export, got %v", formats)
		}
	})

	t.Run("notebook exports jupyter", func(t *testing.T) {
		nb := []byte(`{"cells":[],"nbformat":4}`)
		var formats []workspace.ExportFormat
		api := routeAPI(t, map[string]func(request, response any) error{
			"object-info": objectInfo("/nb", workspace.ObjectTypeNotebook, 10, nil),
		})
		client := NewWorkspaceFilesClientWithDeps(exportOf(nb, &formats), api, nil)

		data, err := client.ReadAll(context.Background(), "/nb.ipynb")
		if err != nil || !bytes.Equal(data, nb) {
			t.Fatalf("ReadAll = %q, %v", data, err)
		}
		if len(formats) != 1 || formats[0] != workspace.ExportFormatJupyter {
			t.Errorf("export formats = %v", formats)
		}
	})
}

func TestWritePaths(t *testing.T) {
	ctx := context.Background()

	t.Run("small file imports directly", func(t *testing.T) {
		var body []byte
		api := routeAPI(t, map[string]func(request, response any) error{
			"import-file": func(request, response any) error {
				body, _ = io.ReadAll(request.(io.Reader))
				return nil
			},
			"new-files": func(request, response any) error {
				t.Error("new-files called for a small file")
				return nil
			},
		})
		client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, metacache.NewCache(time.Second))

		if err := client.Write(ctx, "/dir/small.txt", strings.NewReader("hello"), 5); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if string(body) != "hello" {
			t.Errorf("imported %q", body)
		}
	})

	t.Run("large file uses new-files", func(t *testing.T) {
		content := bytes.Repeat([]byte{1}, signedURLThreshold)
		var put []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut {
				t.Errorf("expected PUT, got %s", r.Method)
			}
			put, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		api := routeAPI(t, map[string]func(request, response any) error{
			"new-files": func(request, response any) error {
				response.(*newFilesResponse).SignedURLs = []signedURL{{URL: server.URL}}
				return nil
			},
		})
		client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, nil)

		if err := client.Write(ctx, "/big.bin", bytes.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if !bytes.Equal(put, content) {
			t.Errorf("PUT %d bytes, want %d", len(put), len(content))
		}
	})

	t.Run("large file falls back to import-file", func(t *testing.T) {
		content := bytes.Repeat([]byte{2}, signedURLThreshold)
		var tried []string
		api := routeAPI(t, map[string]func(request, response any) error{
			"new-files":   func(request, response any) error { tried = append(tried, "new"); return errors.New("nope") },
			"write-files": func(request, response any) error { tried = append(tried, "write"); return errors.New("nope") },
			"import-file": func(request, response any) error { tried = append(tried, "import"); return nil },
		})
		client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, nil)

		if err := client.Write(ctx, "/big.bin", bytes.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if strings.Join(tried, ",") != "new,write,import" {
			t.Errorf("tried %v", tried)
		}
	})

	t.Run("notebook imports jupyter", func(t *testing.T) {
		var got workspace.Import
		ws := &MockWorkspaceClient{ImportFunc: func(ctx context.Context, req workspace.Import) error {
			got = req
			return nil
		}}
		client := NewWorkspaceFilesClientWithDeps(ws, &MockAPIClient{}, nil)

		if err := client.Write(ctx, "/test/nb.ipynb", strings.NewReader("{}"), 2); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if got.Path != "/test/nb" || got.Format != workspace.ImportFormatJupyter || !got.Overwrite {
			t.Errorf("unexpected import %+v", got)
		}
		if decoded, _ := base64.StdEncoding.DecodeString(got.Content); string(decoded) != "{}" {
			t.Errorf("content = %q", decoded)
		}
	})

	t.Run("short reader", func(t *testing.T) {
		client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, &MockAPIClient{}, nil)
		if err := client.Write(ctx, "/f", strings.NewReader("ab"), 3); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestWriteInvalidatesStat(t *testing.T) {
	calls := 0
	api := routeAPI(t, map[string]func(request, response any) error{
		"object-info": func(request, response any) error {
			calls++
			return objectInfo("/test.txt", workspace.ObjectTypeFile, 1, nil)(request, response)
		},
		"import-file": func(request, response any) error { return nil },
	})
	client := NewWorkspaceFilesClientWithDeps(&MockWorkspaceClient{}, api, metacache.NewCache(10*time.Second))
	ctx := context.Background()

	client.Stat(ctx, "/test.txt")
	client.Stat(ctx, "/test.txt")
	if err := client.Write(ctx, "/test.txt", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	client.Stat(ctx, "/test.txt")
	if calls != 2 {
		t.Errorf("expected 2 object-info calls, got %d", calls)
	}
}

func TestDeleteMkdirRenameStripNotebookSuffix(t *testing.T) {
	var deleted, made string
	var renamed map[string]any
	ws := &MockWorkspaceClient{
		DeleteFunc: func(ctx context.Context, req workspace.Delete) error { deleted = req.Path; return nil },
		MkdirsFunc: func(ctx context.Context, req workspace.Mkdirs) error { made = req.Path; return nil },
	}
	api := routeAPI(t, map[string]func(request, response any) error{
		"workspace/rename": func(request, response any) error {
			renamed = request.(map[string]any)
			return nil
		},
	})
	client := NewWorkspaceFilesClientWithDeps(ws, api, nil)
	ctx := context.Background()

	if err := client.Delete(ctx, "/a/nb.ipynb", false); err != nil || deleted != "/a/nb" {
		t.Errorf("Delete: %v, path %s", err, deleted)
	}
	if err := client.Mkdir(ctx, "/a/dir"); err != nil || made != "/a/dir" {
		t.Errorf("Mkdir: %v, path %s", err, made)
	}
	if err := client.Rename(ctx, "/a/old.ipynb", "/a/new.ipynb"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed["source_path"] != "/a/old" || renamed["destination_path"] != "/a/new" {
		t.Errorf("rename request %v", renamed)
	}
}

func TestRemoteSink(t *testing.T) {
	ctx := context.Background()

	t.Run("commits content", func(t *testing.T) {
		mem := NewInMemoryFileSystem()
		sink := RemoteSink(mem, "/out.txt")
		if err := sink.Commit(ctx, strings.NewReader("data"), 4); err != nil {
			t.Fatal(err)
		}
		if got, _ := mem.GetFile("/out.txt"); string(got) != "data" {
			t.Errorf("remote content %q", got)
		}
	})

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"not found", fs.ErrNotExist, false},
		{"bad request", &apierr.APIError{StatusCode: http.StatusBadRequest}, false},
		{"throttled", &apierr.APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &apierr.APIError{StatusCode: http.StatusBadGateway}, true},
		{"network", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			api := &FakeWorkspaceAPI{WriteFunc: func(ctx context.Context, filePath string, data []byte) error {
				calls++
				return tt.err
			}}
			cfg := retry.Config{MaxRetries: 2, BackoffFactor: 1}
			err := retry.Do(ctx, cfg, "commit", func(ctx context.Context) error {
				return RemoteSink(api, "/f").Commit(ctx, strings.NewReader("x"), 1)
			})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			want := 1
			if tt.transient {
				want = 3
			}
			if calls != want {
				t.Errorf("expected %d calls, got %d", want, calls)
			}
		})
	}
}

func TestFakeWorkspaceAPIDefaults(t *testing.T) {
	api := &FakeWorkspaceAPI{}
	ctx := context.Background()

	if _, err := api.Stat(ctx, "/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if _, err := api.ReadAll(ctx, "/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if err := api.Write(ctx, "/file", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := api.Write(ctx, "/file", strings.NewReader("data"), 5); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestSanitizeURL(t *testing.T) {
	tests := map[string]string{
		"https://storage.example.com/bucket/file?sig=secret123&token=abc": "https://storage.example.com/bucket/file",
		"https://example.com/page#section":                                "https://example.com/page",
		"https://example.com:8080/path?token=secret":                      "https://example.com:8080/path",
		"://invalid": "[invalid URL]",
	}
	for in, want := range tests {
		if got := sanitizeURL(in); got != want {
			t.Errorf("sanitizeURL(%q) = %q, want %q", in, got, want)
		}
	}

	msg := sanitizeError(fmt.Errorf("GET https://a.com/file?sig=SECRET failed, retried https://b.com?t=2"))
	for _, secret := range []string{"SECRET", "t=2"} {
		if strings.Contains(msg, secret) {
			t.Errorf("sanitizeError leaked %q: %s", secret, msg)
		}
	}
	if !strings.Contains(msg, "https://a.com/file") {
		t.Errorf("sanitizeError dropped the URL: %s", msg)
	}
	if sanitizeError(nil) != "" {
		t.Error("sanitizeError(nil) should be empty")
	}
}

func TestTruncateBody(t *testing.T) {
	if got := truncateBody("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateBody("this is a very long body", 10); got != "this is a ...[truncated]" {
		t.Errorf("got %q", got)
	}
}

func TestWSFileInfo(t *testing.T) {
	file := NewTestFileInfo("/dir/file.txt", 42, false)
	if file.Name() != "file.txt" || file.IsDir() || file.Mode() != 0o644 {
		t.Errorf("unexpected file info: %s %v %v", file.Name(), file.IsDir(), file.Mode())
	}
	if _, ok := file.Sys().(workspace.ObjectInfo); !ok {
		t.Errorf("Sys returned %T", file.Sys())
	}

	dir := NewTestFileInfo("/dir", 0, true)
	if !dir.IsDir() || dir.Mode()&fs.ModeDir == 0 {
		t.Error("expected directory mode")
	}

	if _, ok := toWSFileInfo(nil); ok {
		t.Error("toWSFileInfo(nil) should fail")
	}
	if got, ok := toWSFileInfo(file); !ok || got.Path != "/dir/file.txt" {
		t.Error("toWSFileInfo lost the path")
	}
}
