// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

// ============================================================
// Test Helpers
// ============================================================

// fakeFileServer serves an in-memory device file system
type fakeFileServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	noList   bool
	rebooted bool
}

func newFakeFileServer(t *testing.T, files map[string][]byte) (*fakeFileServer, *FileClient) {
	t.Helper()
	fs := &fakeFileServer{files: files}

	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.noList {
			http.NotFound(w, r)
			return
		}
		for name, data := range fs.files {
			io.WriteString(w, name+"\t"+strconv.Itoa(len(data))+"\n")
		}
		io.WriteString(w, "\n")
	})
	mux.HandleFunc("/edit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		reader, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		part, err := reader.NextPart()
		if err != nil || part.FormName() != "data" {
			http.Error(w, "missing data part", http.StatusBadRequest)
			return
		}
		// FileName() strips directories, the device keeps the full path
		_, params, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		data, _ := io.ReadAll(part)
		fs.mu.Lock()
		fs.files[params["filename"]] = data
		fs.mu.Unlock()
	})
	mux.HandleFunc("/delete", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("path")
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if _, ok := fs.files[name]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(fs.files, name)
	})
	mux.HandleFunc("/reboot", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.rebooted = true
		fs.mu.Unlock()
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		data, ok := fs.files[r.URL.Path]
		fs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewFileClient(srv.URL)
	if err != nil {
		t.Fatalf("NewFileClient failed: %v", err)
	}
	return fs, client
}

type staticPatterns map[string]string

func (p staticPatterns) PatternList(ctx context.Context, force bool) (map[string]string, error) {
	return p, nil
}

// ============================================================
// FileClient Tests
// ============================================================

func TestFileClient_URL(t *testing.T) {
	client, err := NewFileClient("192.168.1.20")
	if err != nil {
		t.Fatalf("NewFileClient failed: %v", err)
	}
	tests := []struct {
		endpoint string
		expected string
	}{
		{"list", "http://192.168.1.20/list"},
		{"/p/abc", "http://192.168.1.20/p/abc"},
		{"delete?path=%2Fp%2Fabc", "http://192.168.1.20/delete?path=%2Fp%2Fabc"},
	}
	for _, tt := range tests {
		if got := client.URL(tt.endpoint); got != tt.expected {
			t.Errorf("URL(%q) = %q, expected %q", tt.endpoint, got, tt.expected)
		}
	}
}

func TestFileClient_ListFiles(t *testing.T) {
	_, client := newFakeFileServer(t, map[string][]byte{
		"/config.json":          []byte(`{}`),
		"/p/abc":               []byte("pattern"),
		"/p/abc.c":             []byte(`{}`),
		"/l/_defaultplaylist_": []byte(`{}`),
	})
	ctx := context.Background()

	files, err := client.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	expected := "/config.json,/l/_defaultplaylist_,/p/abc,/p/abc.c"
	if strings.Join(files, ",") != expected {
		t.Errorf("files = %v", files)
	}

	patterns, err := client.ListFilesOfType(ctx, pbb.FilePattern|pbb.FilePatternSetting)
	if err != nil {
		t.Fatalf("ListFilesOfType failed: %v", err)
	}
	if strings.Join(patterns, ",") != "/p/abc,/p/abc.c" {
		t.Errorf("pattern files = %v", patterns)
	}
}

func TestFileClient_ListFallback(t *testing.T) {
	fs, client := newFakeFileServer(t, map[string][]byte{})
	fs.mu.Lock()
	fs.noList = true
	fs.mu.Unlock()
	WithPatternLister(staticPatterns{"abc": "Rainbow"})(client)
	ctx := context.Background()

	files, err := client.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	joined := strings.Join(files, ",")
	for _, want := range []string{"/p/abc", "/p/abc.c", "/config.json", "/pixelmap.dat", "/l/_defaultplaylist_"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fallback list %v is missing %s", files, want)
		}
	}

	client.patterns = nil
	if _, err := client.ListFiles(ctx); err == nil {
		t.Error("expected an error without a pattern lister")
	}
}

func TestFileClient_GetFile(t *testing.T) {
	_, client := newFakeFileServer(t, map[string][]byte{"/pixelmap.txt": []byte("function (n) {}")})
	ctx := context.Background()

	data, err := client.MapFunction(ctx)
	if err != nil || string(data) != "function (n) {}" {
		t.Errorf("MapFunction = %q, %v", data, err)
	}

	data, err = client.MapData(ctx)
	if err != nil {
		t.Fatalf("MapData failed: %v", err)
	}
	if data != nil {
		t.Errorf("missing file should return nil, got %q", data)
	}
}

func TestFileClient_PutAndDelete(t *testing.T) {
	fs, client := newFakeFileServer(t, map[string][]byte{})
	ctx := context.Background()

	if err := client.PutFile(ctx, "/p/new", []byte{1, 2, 3}); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	fs.mu.Lock()
	stored := fs.files["/p/new"]
	fs.mu.Unlock()
	if string(stored) != "\x01\x02\x03" {
		t.Errorf("stored = % X", stored)
	}

	if err := client.DeleteFile(ctx, "/p/new"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if err := client.DeleteFile(ctx, "/p/new"); err != nil {
		t.Errorf("deleting a missing file should succeed, got %v", err)
	}
}

func TestFileClient_Reboot(t *testing.T) {
	fs, client := newFakeFileServer(t, map[string][]byte{})

	if err := client.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot failed: %v", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.rebooted {
		t.Error("device was not rebooted")
	}
}
