package lmhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tanq16/lmfetch/internal/utils"
)

// Source serves objects below an HTTP(S) base URL.
type Source struct {
	baseURL string
	client  *utils.LMHTTPClient
}

func NewSource(baseURL string, cfg utils.HTTPClientConfig) *Source {
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  utils.NewLMHTTPClient(cfg),
	}
}

func (s *Source) Location(name string) string {
	return s.baseURL + "/" + name
}

func (s *Source) Stat(ctx context.Context, name string) (utils.ObjectInfo, error) {
	link := s.Location(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return utils.ObjectInfo{}, fmt.Errorf("error creating HEAD request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return utils.ObjectInfo{}, &utils.TransportError{Op: "HEAD", URL: link, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return utils.ObjectInfo{Exists: false}, nil
	}
	size := resp.ContentLength
	if size < 0 {
		if parsed, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			size = parsed
		}
	}
	return utils.ObjectInfo{
		Exists:        true,
		Size:          size,
		AcceptsRanges: strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes"),
	}, nil
}

func (s *Source) ReadRange(ctx context.Context, name string, start, end int64) (io.ReadCloser, error) {
	link := s.Location(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("Connection", "keep-alive")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &utils.TransportError{Op: "GET", URL: link, Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &utils.TransportError{Op: "GET", URL: link, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (s *Source) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	link := s.Location(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating GET request: %w", err)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, &utils.TransportError{Op: "GET", URL: link, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &utils.TransportError{Op: "GET", URL: link, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}
