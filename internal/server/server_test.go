package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treefix50/watchguard/internal/auth"
	"github.com/treefix50/watchguard/internal/progress"
	"github.com/treefix50/watchguard/internal/storage"
)

const playlist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:10.0,
segment0.ts
#EXTINF:10.0,
segment1.ts
#EXTINF:4.5,
segment2.ts
#EXT-X-ENDLIST
`

func writeRendition(t *testing.T, root, video, quality string) {
	t.Helper()
	dir := filepath.Join(root, video, quality)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, playlistName), []byte(playlist), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment0.ts"), []byte("segment-bytes"), 0o644))
}

func newTestStorage(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, opts Options) (*Server, *storage.Store) {
	t.Helper()
	store := newTestStorage(t)
	if opts.MediaRoot == "" {
		opts.MediaRoot = t.TempDir()
	}
	opts.Store = store
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, store
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s.Handler(), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestUpdateAndGetProgress(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/video/progress/feature", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/video/updateVideo", progress.Update{VideoID: "feature", TimeStamp: 42.5}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/video/progress/feature", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry progress.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "feature", entry.VideoID)
	assert.Equal(t, 42.5, entry.TimeStamp)

	// the latest write wins even when it goes backwards
	do(t, h, http.MethodPost, "/api/video/updateVideo", progress.Update{VideoID: "feature", TimeStamp: 10}, "")
	rec = do(t, h, http.MethodGet, "/api/video/progress/feature", nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, 10.0, entry.TimeStamp)
}

func TestUpdateVideoValidation(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	for name, body := range map[string]any{
		"missing id":     progress.Update{TimeStamp: 3},
		"negative":       progress.Update{VideoID: "v", TimeStamp: -1},
		"not json":       "nope",
		"wrong id shape": map[string]any{"videoId": 12, "timeStamp": 3},
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/video/updateVideo", body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	rec := do(t, h, http.MethodGet, "/api/video/updateVideo", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAllVideosMergesProgress(t *testing.T) {
	root := t.TempDir()
	writeRendition(t, root, "big_buck_bunny", "480p")
	writeRendition(t, root, "big_buck_bunny", "1080p")
	writeRendition(t, root, "big_buck_bunny", "720p")
	writeRendition(t, root, "sintel", "720p")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "720p"), 0o755))

	s, store := newTestServer(t, Options{MediaRoot: root})
	require.NoError(t, store.SaveProgress(testContext(t), "", "sintel", 77))

	rec := do(t, s.Handler(), http.MethodGet, "/api/video/getAllVideos", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var videos []progress.VideoSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &videos))
	require.Len(t, videos, 2)

	bunny := videos[0]
	assert.Equal(t, "big_buck_bunny", bunny.VideoID)
	assert.Equal(t, "big buck bunny", bunny.Title)
	assert.InDelta(t, 24.5, bunny.Duration, 1e-9)
	require.Len(t, bunny.Qualities, 3)
	assert.Equal(t, "1080p", bunny.Qualities[0].Value)
	assert.Equal(t, "720p", bunny.Qualities[1].Value)
	assert.Equal(t, "480p", bunny.Qualities[2].Value)
	assert.Equal(t, "/hls-output/big_buck_bunny/720p/index.m3u8", bunny.Qualities[1].Src)
	assert.Zero(t, bunny.TimeStamp)

	assert.Equal(t, "sintel", videos[1].VideoID)
	assert.Equal(t, 77.0, videos[1].TimeStamp)
}

func TestServeHLSFiles(t *testing.T) {
	root := t.TempDir()
	writeRendition(t, root, "sintel", "720p")
	s, _ := newTestServer(t, Options{MediaRoot: root})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/hls-output/sintel/720p/index.m3u8", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, playlistContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "#EXTM3U"))

	rec = do(t, h, http.MethodGet, "/hls-output/sintel/720p/segment0.ts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))

	for _, path := range []string{
		"/hls-output/sintel/480p/index.m3u8",
		"/hls-output/unknown/720p/index.m3u8",
		"/hls-output/sintel/720p/missing.ts",
		"/hls-output/sintel/720p/.hidden",
	} {
		rec = do(t, h, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://player.test"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/video/updateVideo", nil)
	req.Header.Set("Origin", "http://player.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://player.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthProtectsProgress(t *testing.T) {
	store := newTestStorage(t)
	clock := clockwork.NewFakeClock()
	mgr := auth.NewManager(store, auth.Options{Clock: clock})
	t.Cleanup(mgr.Close)
	_, err := mgr.CreateUser("alice", "secret", false)
	require.NoError(t, err)
	_, err = mgr.CreateUser("bob", "hunter2", false)
	require.NoError(t, err)

	s, err := New(Options{MediaRoot: t.TempDir(), Store: store, Auth: mgr, Clock: clock, LoginInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/video/updateVideo", progress.Update{VideoID: "v", TimeStamp: 5}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	login := func(user, password string) string {
		rec := do(t, h, http.MethodPost, "/auth/login", map[string]string{"username": user, "password": password}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var session progress.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
		return session.Token
	}
	alice := login("alice", "secret")
	bob := login("bob", "hunter2")

	rec = do(t, h, http.MethodPost, "/api/video/updateVideo", progress.Update{VideoID: "v", TimeStamp: 5}, alice)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/video/progress/v", nil, bob)
	assert.Equal(t, http.StatusNotFound, rec.Code, "progress is per user")
	rec = do(t, h, http.MethodGet, "/api/video/progress/v", nil, alice)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/auth/session", nil, alice)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/auth/logout", nil, alice)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/auth/session", nil, alice)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRoutesWithoutManager(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s.Handler(), http.MethodPost, "/auth/login", map[string]string{"username": "a", "password": "b"}, "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestLoginRateLimit(t *testing.T) {
	store := newTestStorage(t)
	clock := clockwork.NewFakeClock()
	mgr := auth.NewManager(store, auth.Options{Clock: clock})
	t.Cleanup(mgr.Close)

	s, err := New(Options{MediaRoot: t.TempDir(), Store: store, Auth: mgr, Clock: clock, LoginInterval: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h := s.Handler()

	creds := map[string]string{"username": "ghost", "password": "x"}
	rec := do(t, h, http.MethodPost, "/auth/login", creds, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/auth/login", creds, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	clock.Advance(5 * time.Second)
	rec = do(t, h, http.MethodPost, "/auth/login", creds, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPeriodicRescan(t *testing.T) {
	root := t.TempDir()
	clock := clockwork.NewFakeClock()
	s, _ := newTestServer(t, Options{MediaRoot: root, ScanInterval: time.Minute, Clock: clock})
	assert.Empty(t, s.Library().All())

	writeRendition(t, root, "sintel", "720p")
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, ok := s.Library().Get("sintel")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLibraryDirsIncludesEmptyVideos(t *testing.T) {
	root := t.TempDir()
	writeRendition(t, root, "sintel", "720p")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "late", "480p"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".partial", "720p"), 0o755))

	assert.ElementsMatch(t, []string{
		root,
		filepath.Join(root, "late"),
		filepath.Join(root, "sintel"),
		filepath.Join(root, "late", "480p"),
		filepath.Join(root, "sintel", "720p"),
	}, libraryDirs(root))
}

func TestWatchPicksUpVideoBuiltInSteps(t *testing.T) {
	root := t.TempDir()
	clock := clockwork.NewFakeClock()
	s, _ := newTestServer(t, Options{MediaRoot: root, Watch: true, Clock: clock})

	watching := func(dir string) func() bool {
		return func() bool {
			clock.Advance(rescanDelay)
			for _, w := range s.watcher.WatchList() {
				if w == dir {
					return true
				}
			}
			return false
		}
	}

	// the video directory appears empty; it has no catalog entry yet
	require.NoError(t, os.Mkdir(filepath.Join(root, "late"), 0o755))
	require.Eventually(t, watching(filepath.Join(root, "late")), 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Library().All())

	require.NoError(t, os.Mkdir(filepath.Join(root, "late", "720p"), 0o755))
	require.Eventually(t, watching(filepath.Join(root, "late", "720p")), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "late", "720p", playlistName), []byte(playlist), 0o644))
	require.Eventually(t, func() bool {
		clock.Advance(rescanDelay)
		_, ok := s.Library().Get("late")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimiter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(time.Second, clock)

	ok, _ := rl.Allow("a")
	assert.True(t, ok)
	ok, wait := rl.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
	ok, _ = rl.Allow("b")
	assert.True(t, ok)

	clock.Advance(time.Second)
	rl.Prune()
	ok, _ = rl.Allow("a")
	assert.True(t, ok)
}
