package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vfs"
	"github.com/gobeaver/vfs/adapter/memory"
)

type testServer struct {
	*httptest.Server
	tempDir string
}

func newTestServer(t *testing.T, svcOpts []vfs.Option, opts ...Option) *testServer {
	t.Helper()
	yes := true
	reg := vfs.NewRegistry(
		vfs.WithVars(map[string]string{"vfs": "/data"}),
		vfs.WithAdapter("memory", memory.New()),
	)
	_, err := reg.Mount(vfs.MountConfig{Name: "home", Attributes: vfs.Attributes{
		Root:    "{vfs}/{username}",
		Adapter: "memory",
		Ranges:  &yes,
	}})
	require.NoError(t, err)

	tempDir := t.TempDir()
	opts = append([]Option{WithTempDir(tempDir)}, opts...)
	api := New(vfs.NewService(reg, svcOpts...), opts...)

	ts := httptest.NewServer(api.Handler("/vfs"))
	t.Cleanup(func() {
		ts.Close()
		_ = reg.Close()
	})
	return &testServer{Server: ts, tempDir: tempDir}
}

func (ts *testServer) do(t *testing.T, req *http.Request, user string) (*http.Response, []byte) {
	t.Helper()
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (ts *testServer) get(t *testing.T, op, path, user string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/vfs/"+op+"?path="+url.QueryEscape(path), nil)
	require.NoError(t, err)
	return ts.do(t, req, user)
}

func (ts *testServer) postJSON(t *testing.T, op string, fields map[string]any, user string) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/vfs/"+op, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return ts.do(t, req, user)
}

func (ts *testServer) upload(t *testing.T, path, content, user string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", path))
	part, err := mw.CreateFormFile(uploadField, "blob")
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/vfs/writefile", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.do(t, req, user)
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, nil, WithRouteGroups(false, "staff", "admin"))

	resp, _ := ts.get(t, "exists", "home:/", "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.get(t, "exists", "home:/", "alice")
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "alice has none of the route groups")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/vfs/exists?path=home:/", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderGroups, "users, admin")
	resp, _ = ts.do(t, req, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteAndRead(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.upload(t, "home:/notes.txt", "hello", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.JSONEq(t, "5", string(body))

	entries, err := os.ReadDir(ts.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "spooled uploads are removed")

	resp, body = ts.get(t, "stat", "home:/notes.txt", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var info vfs.FileInfo
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, "home:/notes.txt", info.Path)
	require.Equal(t, int64(5), info.Size)
	require.Equal(t, "text/plain", info.Mime)
	require.True(t, info.IsFile)

	resp, body = ts.get(t, "readfile", "home:/notes.txt", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("ETag"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/vfs/readfile?path=home:/notes.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=1-2")
	resp, body = ts.do(t, req, "alice")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "el", string(body))
	require.Equal(t, "bytes 1-2/5", resp.Header.Get("Content-Range"))

	req.Header.Set("Range", "bytes=10-20")
	resp, _ = ts.do(t, req, "alice")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	// each user sees their own home
	resp, body = ts.get(t, "exists", "home:/notes.txt", "bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "false", string(body))
}

func TestRawUpload(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/vfs/writefile?path=home:/raw.bin", strings.NewReader("raw bytes"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, body := ts.do(t, req, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.JSONEq(t, "9", string(body))

	_, body = ts.get(t, "readfile", "home:/raw.bin", "alice")
	require.Equal(t, "raw bytes", string(body))
}

func TestJSONFields(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upload(t, "home:/a.txt", "a", "alice")

	resp, body := ts.postJSON(t, "mkdir", map[string]any{"path": "home:/docs"}, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.JSONEq(t, "true", string(body))

	resp, body = ts.postJSON(t, "copy", map[string]any{"from": "home:/a.txt", "to": "home:/docs/a.txt"}, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.postJSON(t, "search", map[string]any{
		"root":    "home:/",
		"pattern": "a.txt",
		"options": map[string]any{},
	}, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var found []vfs.FileInfo
	require.NoError(t, json.Unmarshal(body, &found))
	require.Len(t, found, 2)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/vfs/mkdir", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, _ = ts.do(t, req, "alice")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrors(t *testing.T) {
	t.Run("missing file is 404 without stack", func(t *testing.T) {
		ts := newTestServer(t, nil)
		resp, body := ts.get(t, "stat", "home:/missing", "alice")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		e := decodeError(t, body)
		require.NotEmpty(t, e.Error)
		require.Empty(t, e.Stack)
	})

	t.Run("development mode adds stack", func(t *testing.T) {
		ts := newTestServer(t, []vfs.Option{vfs.WithDevelopment(true)})
		resp, body := ts.get(t, "stat", "nowhere:/x", "alice")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.NotEmpty(t, decodeError(t, body).Stack)
	})

	t.Run("wrong method", func(t *testing.T) {
		ts := newTestServer(t, nil)
		resp, _ := ts.get(t, "mkdir", "home:/d", "alice")
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("upload over limit", func(t *testing.T) {
		ts := newTestServer(t, nil, WithLimits(4, 0))

		resp, body := ts.upload(t, "home:/big.txt", "0123456789", "alice")
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, string(body))
		entries, err := os.ReadDir(ts.tempDir)
		require.NoError(t, err)
		require.Empty(t, entries)

		req, err := http.NewRequest(http.MethodPost, ts.URL+"/vfs/writefile?path=home:/big.txt", strings.NewReader("0123456789"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		resp, _ = ts.do(t, req, "alice")
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("writefile without upload", func(t *testing.T) {
		ts := newTestServer(t, nil)
		resp, _ := ts.postJSON(t, "writefile", map[string]any{"path": "home:/x"}, "alice")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSessionAttrs(t *testing.T) {
	attrs := SessionAttrs(HeaderSessions{})

	req := httptest.NewRequest(http.MethodGet, "/watch", nil)
	got, err := attrs(req)
	require.NoError(t, err)
	require.Nil(t, got)

	req.Header.Set(HeaderUser, "alice")
	req.Header.Set(HeaderUserID, "42")
	got, err = attrs(req)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"username": "alice", "userid": "42"}, got)
}
