package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NewMockForTests returns a Store whose client talks to an in-process fake
// S3 endpoint. It covers HEAD, GET, PUT, DELETE and ListObjectsV2.
func NewMockForTests() *Store {
	rt := &mockRoundTripper{objects: make(map[string]mockObject)}
	store, err := New(context.Background(), Config{
		Region:          defaultRegion,
		Bucket:          "mock-bucket",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIAMOCK",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: rt},
	})
	if err != nil {
		panic(fmt.Sprintf("mock s3: %v", err))
	}
	return store
}

type mockObject struct {
	body        []byte
	contentType string
	metadata    http.Header
	modified    time.Time
}

type mockRoundTripper struct {
	mu      sync.Mutex
	objects map[string]mockObject
}

func response(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header, ContentLength: int64(len(body))}
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// path style: /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req.URL.Query().Get("prefix")), nil
	}

	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := m.objects[key]
		if !ok {
			return response(http.StatusNotFound, nil, nil), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"mock-etag"`},
			"Last-Modified":  {obj.modified.Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			h[k] = v
		}
		if req.Method == http.MethodHead {
			return response(http.StatusOK, nil, h), nil
		}
		return response(http.StatusOK, obj.body, h), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			if body, err = decodeChunked(body); err != nil {
				return nil, err
			}
		}
		meta := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				meta[k] = v
			}
		}
		m.objects[key] = mockObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: meta, modified: time.Now().UTC()}
		return response(http.StatusOK, nil, http.Header{"Etag": {`"mock-etag"`}}), nil
	case http.MethodDelete:
		delete(m.objects, key)
		return response(http.StatusNoContent, nil, nil), nil
	}
	return response(http.StatusNotImplemented, nil, nil), nil
}

func (m *mockRoundTripper) list(prefix string) *http.Response {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>",
			k, len(m.objects[k].body), m.objects[k].modified.Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	return response(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

// decodeChunked strips aws-chunked framing: "<hex>\r\n<data>\r\n" repeated,
// terminated by a zero-length chunk and optional trailers.
func decodeChunked(b []byte) ([]byte, error) {
	var out []byte
	for {
		i := bytes.Index(b, []byte("\r\n"))
		if i < 0 {
			return nil, fmt.Errorf("aws-chunked: missing chunk header")
		}
		header := string(b[:i])
		if semi := strings.IndexByte(header, ';'); semi >= 0 {
			header = header[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(header), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("aws-chunked: bad size %q", header)
		}
		b = b[i+2:]
		if size == 0 {
			return out, nil
		}
		if int64(len(b)) < size {
			return nil, fmt.Errorf("aws-chunked: short chunk")
		}
		out = append(out, b[:size]...)
		b = bytes.TrimPrefix(b[size:], []byte("\r\n"))
	}
}
