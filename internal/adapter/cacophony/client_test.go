package cacophony_test

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/cacophony"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

func testToken(t *testing.T, lifetime time.Duration) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	require.NoError(t, err)
	now := time.Now().Unix()
	claims, err := json.Marshal(map[string]int64{
		"iat": now,
		"exp": now + int64(lifetime.Seconds()),
	})
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return "JWT " + enc.EncodeToString(header) + "." + enc.EncodeToString(claims) + ".c2ln"
}

// fakeService is a minimal recording service: it authenticates, hands out
// one job, and records every form request it receives.
type fakeService struct {
	t         *testing.T
	token     string
	authCount int
	// reject401 makes authenticated endpoints fail until authCount exceeds
	// it, simulating a token the server no longer accepts.
	reject401 int

	requests []recordedRequest

	nextJobResponse func() (int, string)
}

type recordedRequest struct {
	method string
	path   string
	form   map[string]string
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users/authenticate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "user@example.org", r.Form.Get("email"))
		assert.Equal(f.t, "secret", r.Form.Get("password"))
		f.authCount++
		_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != f.token || f.authCount <= f.reject401 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		f.requests = append(f.requests, recordedRequest{method: r.Method, path: r.URL.Path, form: form})
		f.route(w, r)
	})
	return mux
}

func (f *fakeService) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/processing" && r.Method == http.MethodGet:
		status, body := f.nextJobResponse()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	case r.URL.Path == "/api/v1/processing" && r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/api/v1/processing/algorithm":
		_ = json.NewEncoder(w).Encode(map[string]int64{"algorithmId": 81})
	case r.URL.Path == "/api/v1/processing/12/tracks":
		_ = json.NewEncoder(w).Encode(map[string]int64{"trackId": 55})
	case r.URL.Path == "/api/v1/processing/12/tracks/55/tags":
		_ = json.NewEncoder(w).Encode(map[string]int64{"trackTagId": 99})
	case r.URL.Path == "/api/v1/processing/processed":
		_ = json.NewEncoder(w).Encode(map[string]string{"fileKey": "new-key"})
	case r.URL.Path == "/api/v1/processing/ratthresh/7":
		_, _ = w.Write([]byte(`{"deviceHistoryEntry":{"settings":{"ratThresh":
			{"gridSize":10,"version":2,"thresholds":[[300,null],[null,250]]}}}}`))
	case r.URL.Path == "/api/v1/processing/ratthresh/8":
		_, _ = w.Write([]byte(`{"deviceHistoryEntry":null}`))
	case r.URL.Path == "/api/v1/recordings/12/tracks":
		_, _ = w.Write([]byte(`{"tracks":[{"id":55,"start":1.5,"end":4,
			"tags":[{"what":"rat","automatic":true}]}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeService) (*cacophony.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client, err := cacophony.New(context.Background(), srv.URL, "user@example.org", "secret",
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	return client, srv
}

func jobBody() string {
	return `{"recording":{"id":12,"type":"thermalRaw","processingState":"analyse","DeviceId":7},
		"rawJWT":"dl-token","jobKey":"key-1"}`
}

func TestNextJob_Empty(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour),
		nextJobResponse: func() (int, string) { return http.StatusNoContent, "" }}
	client, _ := newTestClient(t, f)

	job, err := client.NextJob(context.Background(), domain.TypeThermal, domain.StateAnalyse)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestNextJob_ReturnsJob(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour),
		nextJobResponse: func() (int, string) { return http.StatusOK, jobBody() }}
	client, _ := newTestClient(t, f)

	job, err := client.NextJob(context.Background(), domain.TypeThermal, domain.StateAnalyse)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(12), job.Recording.ID)
	assert.Equal(t, "dl-token", job.RawJWT)
	assert.Equal(t, "key-1", job.JobKey)
}

func TestNextJob_JobKeyInsideRecording(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour),
		nextJobResponse: func() (int, string) {
			return http.StatusOK, `{"recording":{"id":12,"type":"thermalRaw","jobKey":"nested-key"},"rawJWT":"x"}`
		}}
	client, _ := newTestClient(t, f)

	job, err := client.NextJob(context.Background(), domain.TypeThermal, domain.StateAnalyse)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "nested-key", job.JobKey)
}

func TestAuthRefresh_RetriesOnce(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour),
		nextJobResponse: func() (int, string) { return http.StatusNoContent, "" }}
	client, _ := newTestClient(t, f)
	require.Equal(t, 1, f.authCount)

	// The next authenticated request is rejected once; the client
	// re-authenticates and retries.
	f.reject401 = 1
	_, err := client.NextJob(context.Background(), domain.TypeThermal, domain.StateAnalyse)
	require.NoError(t, err)
	assert.Equal(t, 2, f.authCount)
}

func TestAuthRefresh_SecondRejectionSurfaces(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour),
		nextJobResponse: func() (int, string) { return http.StatusNoContent, "" }}
	client, _ := newTestClient(t, f)

	f.reject401 = 100
	_, err := client.NextJob(context.Background(), domain.TypeThermal, domain.StateAnalyse)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	// Exactly one re-authentication was attempted.
	assert.Equal(t, 2, f.authCount)
}

func TestLogin_MalformedTokenStillWorks(t *testing.T) {
	f := &fakeService{t: t, token: "not-a-jwt",
		nextJobResponse: func() (int, string) { return http.StatusNoContent, "" }}
	client, _ := newTestClient(t, f)

	_, err := client.NextJob(context.Background(), domain.TypeThermal, domain.StateAnalyse)
	assert.NoError(t, err)
}

func TestReportDone_FormFields(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	rec := &domain.Recording{ID: 12}
	err := client.ReportDone(context.Background(), rec, "key-1", "new-file", "video/mp4",
		map[string]any{"additionalMetadata": map[string]any{"tracks": 2}})
	require.NoError(t, err)

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "12", req.form["id"])
	assert.Equal(t, "key-1", req.form["jobKey"])
	assert.Equal(t, "true", req.form["success"])
	assert.Equal(t, "true", req.form["complete"])
	assert.Equal(t, "new-file", req.form["newProcessedFileKey"])
	assert.JSONEq(t,
		`{"fieldUpdates":{"additionalMetadata":{"tracks":2},"fileMimeType":"video/mp4"}}`,
		req.form["result"])
}

func TestReportFailed_FormFields(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	require.NoError(t, client.ReportFailed(context.Background(), 12, "key-1"))
	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, "12", req.form["id"])
	assert.Equal(t, "key-1", req.form["jobKey"])
	assert.Equal(t, "false", req.form["success"])
	assert.Equal(t, "false", req.form["complete"])
}

func TestAddTrackTag_Payload(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	pred := &domain.Prediction{Tag: "rat", Confidence: 0.9}
	id, err := client.AddTrackTag(context.Background(), &domain.Recording{ID: 12}, 55, pred,
		map[string]any{"name": "Master"})
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)

	req := f.requests[0]
	assert.Equal(t, "rat", req.form["what"])
	assert.Equal(t, "0.9", req.form["confidence"])
	assert.JSONEq(t, `{"name":"Master"}`, req.form["data"])
}

func TestGetAlgorithmID(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	id, err := client.GetAlgorithmID(context.Background(), map[string]any{"algorithm": "tracker-v2"})
	require.NoError(t, err)
	assert.Equal(t, int64(81), id)
	assert.JSONEq(t, `{"algorithm":"tracker-v2"}`, f.requests[0].form["algorithm"])
}

func TestGetTrackInfo(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	tracks, err := client.GetTrackInfo(context.Background(), 12)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, int64(55), tracks[0].ID)
	assert.True(t, tracks[0].HasAutomaticTag())
}

func TestGetRatThreshold(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	thresh, err := client.GetRatThreshold(context.Background(), 7, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, thresh)
	assert.Equal(t, 10, thresh.GridSize)
	assert.Equal(t, int64(2), thresh.Version)
	require.Len(t, thresh.Thresholds, 2)
	require.NotNil(t, thresh.Thresholds[0][0])
	assert.InDelta(t, 300, *thresh.Thresholds[0][0], 1e-9)
	assert.Nil(t, thresh.Thresholds[0][1])
	assert.Equal(t, "2026-01-01T00:00:00Z", f.requests[0].form["at-time"])
}

func TestGetRatThreshold_NoGrid(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	client, _ := newTestClient(t, f)

	thresh, err := client.GetRatThreshold(context.Background(), 8, "")
	require.NoError(t, err)
	assert.Nil(t, thresh)
}

func TestUploadFile_HashAndKey(t *testing.T) {
	content := []byte("encoded audio bytes")
	var gotHash, gotFile string
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/users/authenticate" {
			f.authCount++
			_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
			return
		}
		require.Equal(t, "/api/v1/processing/processed", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		var data map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("data")), &data))
		gotHash = data["fileHash"]
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		var buf [64]byte
		n, _ := file.Read(buf[:])
		gotFile = string(buf[:n])
		_ = json.NewEncoder(w).Encode(map[string]string{"fileKey": "new-key"})
	}))
	t.Cleanup(srv.Close)

	client, err := cacophony.New(context.Background(), srv.URL, "user@example.org", "secret",
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "recording.mp3")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	key, err := client.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "new-key", key)
	sum := sha1.Sum(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), gotHash)
	assert.Equal(t, string(content), gotFile)
}

func TestDownloadFile_StreamsToDisk(t *testing.T) {
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/users/authenticate" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
			return
		}
		require.Equal(t, "/api/v1/signedUrl", r.URL.Path)
		assert.Equal(t, "dl-token", r.URL.Query().Get("jwt"))
		fmt.Fprint(w, "raw recording bytes")
	}))
	t.Cleanup(srv.Close)

	client, err := cacophony.New(context.Background(), srv.URL, "user@example.org", "secret",
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "recording.cptv")
	require.NoError(t, client.DownloadFile(context.Background(), "dl-token", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "raw recording bytes", string(data))
}

func TestDownloadFile_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	f := &fakeService{t: t, token: testToken(t, time.Hour)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/users/authenticate" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
			return
		}
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "raw recording bytes")
	}))
	t.Cleanup(srv.Close)

	client, err := cacophony.New(context.Background(), srv.URL, "user@example.org", "secret",
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "recording.cptv")
	require.NoError(t, client.DownloadFile(context.Background(), "dl-token", path))
	assert.Equal(t, 2, attempts)
}
