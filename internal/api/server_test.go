package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/config"
	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/ingest"
	"github.com/printvault/printvault/internal/library"
)

type testEnv struct {
	srv      *httptest.Server
	pipeline *ingest.Pipeline
	settings *config.SettingsManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	modelRoot := t.TempDir()
	slicedRoot := t.TempDir()

	builder := &library.Builder{ModelRoot: modelRoot, SlicedRoot: slicedRoot}
	store := library.NewStore()
	snap, err := builder.Build(context.Background())
	require.NoError(t, err)
	store.Swap(snap)

	broadcaster := events.NewBroadcaster()
	pipeline := &ingest.Pipeline{
		ModelRoot:         modelRoot,
		SlicedRoot:        slicedRoot,
		Builder:           builder,
		Store:             store,
		Events:            broadcaster,
		MaxArchiveBytes:   1 << 20,
		MaxArchiveEntries: 64,
		AutoReindex:       true,
	}
	settings, err := config.LoadSettings(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	s := NewServer(store, pipeline, settings, nil, broadcaster, 1<<20)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, pipeline: pipeline, settings: settings}
}

func (e *testEnv) seed(t *testing.T, relPath, content string) {
	t.Helper()
	path := filepath.Join(e.pipeline.ModelRoot, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := e.pipeline.Rebuild(context.Background())
	require.NoError(t, err)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func uploadBody(t *testing.T, action string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("conflict_action", action))
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	var got map[string]any
	code := getJSON(t, e.srv.URL+"/healthz", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", got["status"])
}

func TestProjectsListingAndFilter(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid")
	e.seed(t, "vase/vase.stl", "solid")

	var page struct {
		Projects []struct {
			Folder struct {
				Name string `json:"folder_name"`
			} `json:"folder"`
		} `json:"projects"`
		Meta struct {
			TotalFolders int `json:"total_folders"`
		} `json:"meta"`
	}
	code := getJSON(t, e.srv.URL+"/api/projects", &page)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, page.Projects, 2)
	assert.Equal(t, "benchy", page.Projects[0].Folder.Name)
	assert.Equal(t, 2, page.Meta.TotalFolders)

	code = getJSON(t, e.srv.URL+"/api/projects?filter=vase", &page)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, page.Projects, 1)
	assert.Equal(t, "vase", page.Projects[0].Folder.Name)
}

func TestProjectDetail(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid")

	var detail struct {
		Folder struct {
			Name   string            `json:"folder_name"`
			Models []json.RawMessage `json:"models"`
		} `json:"folder"`
	}
	code := getJSON(t, e.srv.URL+"/api/projects/benchy", &detail)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "benchy", detail.Folder.Name)
	assert.Len(t, detail.Folder.Models, 1)

	assert.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/api/projects/nope", nil))
}

func TestServeModelFile(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid benchy")

	resp, err := http.Get(e.srv.URL + "/api/files/model/benchy/benchy.stl")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "solid benchy", string(data))

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, e.srv.URL+"/api/files/model/benchy/missing.stl", nil))
}

func TestServeSlicedFile(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(e.pipeline.SlicedRoot, "vase_0.2mm.gcode")
	require.NoError(t, os.WriteFile(path, []byte(";TIME:60\n"), 0o644))

	resp, err := http.Get(e.srv.URL + "/api/files/sliced/vase_0.2mm.gcode")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, ";TIME:60\n", string(data))
}

func TestServeFileRejectsEscapingPaths(t *testing.T) {
	e := newTestEnv(t)
	outside := filepath.Join(filepath.Dir(e.pipeline.ModelRoot), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	// The mux collapses ../ in the URL path; send the raw request so
	// the traversal reaches the handler.
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/files/model/x", nil)
	require.NoError(t, err)
	req.URL.Path = "/api/files/model/../secret.txt"
	req.URL.RawPath = "/api/files/model/..%2Fsecret.txt"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)

	// Directories are not served either.
	e.seed(t, "benchy/benchy.stl", "solid")
	assert.Equal(t, http.StatusNotFound,
		getJSON(t, e.srv.URL+"/api/files/model/benchy", nil))
}

func TestProjectZipDownload(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid")
	e.seed(t, "benchy/sub/part.stl", "solid part")

	resp, err := http.Get(e.srv.URL + "/api/projects/benchy/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "benchy.zip")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"benchy.stl", "sub/part.stl"}, names)

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, e.srv.URL+"/api/projects/nope/download", nil))
}

func TestUploadCheckConflictReturns409(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid")

	body, ctype := uploadBody(t, "check", map[string][]byte{"benchy.stl": []byte("solid")})
	resp, err := http.Post(e.srv.URL+"/api/upload", ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var res ingest.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.AwaitingDecision)
	assert.Equal(t, []string{"benchy"}, res.Conflicts)
}

func TestUploadSuccessUpdatesIndex(t *testing.T) {
	e := newTestEnv(t)

	body, ctype := uploadBody(t, "skip", map[string][]byte{"vase.stl": []byte("solid")})
	resp, err := http.Post(e.srv.URL+"/api/upload", ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res ingest.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, ingest.StatusSuccess, res.Outcomes[0].Status)
	assert.NotEmpty(t, res.BatchID)

	// Visible in the list view without an explicit reindex.
	var page struct {
		Meta struct {
			TotalFolders int `json:"total_folders"`
		} `json:"meta"`
	}
	getJSON(t, e.srv.URL+"/api/projects", &page)
	assert.Equal(t, 1, page.Meta.TotalFolders)
}

func TestUploadZipArchive(t *testing.T) {
	e := newTestEnv(t)

	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	fw, err := zw.Create("part.stl")
	require.NoError(t, err)
	fw.Write([]byte("solid"))
	require.NoError(t, zw.Close())

	body, ctype := uploadBody(t, "skip", map[string][]byte{"widget.zip": zbuf.Bytes()})
	resp, err := http.Post(e.srv.URL+"/api/upload", ctype, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.FileExists(t, filepath.Join(e.pipeline.ModelRoot, "widget", "part.stl"))
}

func TestUploadUnsupportedTypeIs415(t *testing.T) {
	e := newTestEnv(t)

	body, ctype := uploadBody(t, "skip", map[string][]byte{"malware.exe": []byte("mz")})
	resp, err := http.Post(e.srv.URL+"/api/upload", ctype, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestDeleteProject(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid")

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/api/projects/benchy", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/api/projects/benchy", nil))

	req, _ = http.NewRequest(http.MethodDelete, e.srv.URL+"/api/projects/benchy", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReindexEndpoint(t *testing.T) {
	e := newTestEnv(t)

	// Drop a file behind the API's back; only a reindex reveals it.
	path := filepath.Join(e.pipeline.ModelRoot, "late", "late.stl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("solid"), 0o644))

	resp, err := http.Post(e.srv.URL+"/api/reindex", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, float64(1), res["projects"])
}

func TestSettingsRoundtrip(t *testing.T) {
	e := newTestEnv(t)

	var s config.Settings
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/api/settings", &s))
	assert.False(t, s.Printer.Enabled)

	patch := strings.NewReader(`{"printer":{"enabled":true,"url":"http://voron.local:7125"}}`)
	req, _ := http.NewRequest(http.MethodPatch, e.srv.URL+"/api/settings", patch)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/api/settings", &s))
	assert.True(t, s.Printer.Enabled)
	assert.Equal(t, "http://voron.local:7125", s.Printer.URL)
	// Untouched fields keep their values under a partial patch.
	assert.Equal(t, 15, s.UI.ProjectsPerPage)
}

func TestSettingsPatchRejectsInvalid(t *testing.T) {
	e := newTestEnv(t)

	patch := strings.NewReader(`{"printer":{"enabled":true}}`)
	req, _ := http.NewRequest(http.MethodPatch, e.srv.URL+"/api/settings", patch)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueRequiresPrinterEnabled(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Post(e.srv.URL+"/api/queue", "application/json",
		strings.NewReader(`{"filenames":["vase.gcode"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestQueueForwardsToPrinter(t *testing.T) {
	e := newTestEnv(t)

	var got []string
	moonraker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filenames []string `json:"filenames"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		got = req.Filenames
		w.Write([]byte(`{"result":{}}`))
	}))
	defer moonraker.Close()

	s := e.settings.Get()
	s.Printer = config.PrinterSettings{Enabled: true, URL: moonraker.URL}
	require.NoError(t, e.settings.Update(s))

	resp, err := http.Post(e.srv.URL+"/api/queue", "application/json",
		strings.NewReader(`{"filenames":["vase.gcode"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"vase.gcode"}, got)
}

func TestEventsStreamDeliversUploads(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	// Wait for the subscription before triggering the upload.
	waitSubscribed := time.Now().Add(2 * time.Second)
	for e.pipeline.Events.Count() == 0 && time.Now().Before(waitSubscribed) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, e.pipeline.Events.Count())

	body, ctype := uploadBody(t, "skip", map[string][]byte{"vase.stl": []byte("solid")})
	up, err := http.Post(e.srv.URL+"/api/upload", ctype, body)
	require.NoError(t, err)
	io.Copy(io.Discard, up.Body)
	up.Body.Close()

	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before upload event")
			if strings.HasPrefix(line, "event: ") {
				event := strings.TrimPrefix(line, "event: ")
				if event == events.EventUpload {
					return
				}
				require.Contains(t, []string{events.EventIndex, events.EventUpload}, event)
			}
		case <-ctx.Done():
			t.Fatal("no upload event received")
		}
	}
}

func TestGzipNegotiation(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "benchy/benchy.stl", "solid")

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/projects", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	// Disable the transport's transparent decompression so the header
	// set by the server is observable.
	tr := &http.Transport{DisableCompression: true}
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}
