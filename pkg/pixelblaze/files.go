// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

// fallbackFiles may exist on devices whose firmware predates /list
var fallbackFiles = []string{
	"/apple-touch-icon.png",
	"/favicon.ico",
	"/config.json",
	"/obconf.dat",
	"/pixelmap.txt",
	"/pixelmap.dat",
	"/l/" + DefaultPlaylist,
}

// PatternLister supplies pattern ids when the device cannot list its files
type PatternLister interface {
	PatternList(ctx context.Context, force bool) (map[string]string, error)
}

// FileClient talks to the device's HTTP file endpoint
type FileClient struct {
	base     *url.URL
	client   *http.Client
	patterns PatternLister
	logger   zerolog.Logger
}

var _ pbb.FileStore = (*FileClient)(nil)

// FileOption configures a FileClient
type FileOption func(*FileClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(client *http.Client) FileOption {
	return func(f *FileClient) {
		f.client = client
	}
}

// WithPatternLister enables the file list fallback for old firmware
func WithPatternLister(l PatternLister) FileOption {
	return func(f *FileClient) {
		f.patterns = l
	}
}

// WithFileLogger sets the logger
func WithFileLogger(logger zerolog.Logger) FileOption {
	return func(f *FileClient) {
		f.logger = logger
	}
}

// NewFileClient creates a client for the device at address. The address
// is a host name or IP, or an http:// URL.
func NewFileClient(address string, opts ...FileOption) (*FileClient, error) {
	raw := address
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", address, err)
	}

	f := &FileClient{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// URL returns the address of an endpoint on the device
func (f *FileClient) URL(endpoint string) string {
	ref, err := url.Parse(strings.TrimPrefix(endpoint, "/"))
	if err != nil {
		return f.base.String()
	}
	base := *f.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref).String()
}

func (f *FileClient) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.URL(endpoint), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// ListFiles returns every path on the device, sorted. Firmware without
// /list gets a list built from the pattern ids and the usual system files.
func (f *FileClient) ListFiles(ctx context.Context) ([]string, error) {
	resp, err := f.do(ctx, http.MethodGet, "list", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var files []string
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read file list: %w", err)
		}
		// each line is name<TAB>size; the list ends with a blank line
		for _, line := range strings.Split(string(body), "\n") {
			name, _, _ := strings.Cut(line, "\t")
			if name != "" {
				files = append(files, name)
			}
		}

	case http.StatusNotFound:
		if f.patterns == nil {
			return nil, fmt.Errorf("device has no file list and no pattern lister is set")
		}
		f.logger.Debug().Msg("device has no /list, building file list from patterns")
		patterns, err := f.patterns.PatternList(ctx, true)
		if err != nil {
			return nil, err
		}
		for id := range patterns {
			files = append(files, "/p/"+id, "/p/"+id+".c")
		}
		files = append(files, fallbackFiles...)

	default:
		return nil, fmt.Errorf("list files: HTTP %d", resp.StatusCode)
	}

	sort.Strings(files)
	return files, nil
}

// ListFilesOfType returns the paths matching types
func (f *FileClient) ListFilesOfType(ctx context.Context, types pbb.FileType) ([]string, error) {
	files, err := f.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	matched := files[:0]
	for _, name := range files {
		if types.Matches(name) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// GetFile downloads a file. A missing file returns nil and no error.
func (f *FileClient) GetFile(ctx context.Context, name string) ([]byte, error) {
	resp, err := f.do(ctx, http.MethodGet, name, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("get %s: HTTP %d", name, resp.StatusCode)
	}
}

// PutFile uploads a file as the multipart field "data"
func (f *FileClient) PutFile(ctx context.Context, name string, contents []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("data", name)
	if err != nil {
		return err
	}
	if _, err := part.Write(contents); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	resp, err := f.do(ctx, http.MethodPost, "edit", w.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("put %s: HTTP %d", name, resp.StatusCode)
	}
	return nil
}

// DeleteFile removes a file. Deleting a missing file is not an error.
func (f *FileClient) DeleteFile(ctx context.Context, name string) error {
	resp, err := f.do(ctx, http.MethodGet, "delete?path="+url.QueryEscape(name), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s: HTTP %d", name, resp.StatusCode)
	}
	return nil
}

// Reboot restarts the device
func (f *FileClient) Reboot(ctx context.Context) error {
	resp, err := f.do(ctx, http.MethodPost, "reboot", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reboot: HTTP %d", resp.StatusCode)
	}
	return nil
}

// MapData downloads the binary pixel map, or nil when none is defined
func (f *FileClient) MapData(ctx context.Context) ([]byte, error) {
	return f.GetFile(ctx, "/pixelmap.dat")
}

// MapFunction downloads the pixel map function source, or nil when none
// is defined
func (f *FileClient) MapFunction(ctx context.Context) ([]byte, error) {
	return f.GetFile(ctx, "/pixelmap.txt")
}
