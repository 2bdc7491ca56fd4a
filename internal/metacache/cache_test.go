package metacache

import (
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"
)

type fakeInfo struct {
	name  string
	size  int64
	isDir bool
}

func (f fakeInfo) Name() string { return f.name }
func (f fakeInfo) Size() int64  { return f.size }
func (f fakeInfo) Mode() fs.FileMode {
	if f.isDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.isDir }
func (f fakeInfo) Sys() any           { return nil }

func TestSetAndGet(t *testing.T) {
	c := NewCache(10 * time.Second)

	if info, found := c.Get("/test.txt"); found || info != nil {
		t.Fatalf("empty cache returned %v, %v", info, found)
	}

	c.Set("/test.txt", fakeInfo{name: "test.txt", size: 100})
	info, found := c.Get("/test.txt")
	if !found || info == nil {
		t.Fatal("expected cached entry")
	}
	if info.Name() != "test.txt" || info.Size() != 100 {
		t.Errorf("got %s/%d", info.Name(), info.Size())
	}
}

func TestNegativeEntry(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.Set("/missing", nil)
	info, found := c.Get("/missing")
	if !found || info != nil {
		t.Fatalf("negative entry = %v, %v", info, found)
	}
}

func TestExpiration(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	c.Set("/a", fakeInfo{name: "a"})
	c.Set("/b", nil)
	time.Sleep(100 * time.Millisecond)

	if _, found := c.Get("/a"); found {
		t.Error("expected /a to expire")
	}
	if n := c.Purge(); n != 0 {
		t.Errorf("Purge left %d entries", n)
	}
}

func TestInvalidateDropsParent(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.Set("/dir", fakeInfo{name: "dir", isDir: true})
	c.Set("/dir/file", fakeInfo{name: "file"})
	c.Set("/dir/other", fakeInfo{name: "other"})
	c.Set("/", fakeInfo{name: "/", isDir: true})

	c.Invalidate("/dir/file")

	if _, found := c.Get("/dir/file"); found {
		t.Error("/dir/file still cached")
	}
	if _, found := c.Get("/dir"); found {
		t.Error("/dir still cached")
	}
	if _, found := c.Get("/dir/other"); !found {
		t.Error("sibling was dropped")
	}
	if _, found := c.Get("/"); !found {
		t.Error("grandparent was dropped")
	}

	c.Invalidate("/")
	if _, found := c.Get("/"); found {
		t.Error("root still cached")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewCache(10 * time.Second)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := fmt.Sprintf("/f%d", i%4)
			for range 100 {
				c.Set(p, fakeInfo{name: p})
				c.Get(p)
				c.Invalidate(p)
			}
		}()
	}
	wg.Wait()
}
