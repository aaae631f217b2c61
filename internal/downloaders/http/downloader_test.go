package lmhttp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/lmfetch/internal/progress"
	"github.com/tanq16/lmfetch/internal/utils"
)

const (
	testFile      = "en_ngrams.bin"
	testChunkSize = 64 * 1024
)

// objectServer serves a fixed set of objects and counts every request by
// method, object name and Range header.
type objectServer struct {
	objects    map[string][]byte
	noRange    bool
	failRanges map[string]int
	// delays holds ranged GETs before answering; "" applies to every range
	delays map[string]time.Duration
	// trickle splits unranged bodies into pieces sent this far apart
	trickle time.Duration

	mu       sync.Mutex
	hits     map[string]int
	requests int
	inFlight int
	peak     int
}

func newObjectServer(objects map[string][]byte) *objectServer {
	return &objectServer{
		objects:    objects,
		failRanges: map[string]int{},
		delays:     map[string]time.Duration{},
		hits:       map[string]int{},
	}
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	rng := r.Header.Get("Range")
	s.mu.Lock()
	s.hits[r.Method+" "+name+" "+rng]++
	s.requests++
	status, fail := s.failRanges[rng]
	delay, delayed := s.delays[rng]
	if !delayed {
		delay = s.delays[""]
	}
	s.mu.Unlock()

	data, ok := s.objects[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if rng != "" && r.Method == http.MethodGet && !s.hold(r, delay) {
		return
	}
	if fail {
		w.WriteHeader(status)
		return
	}
	if s.noRange {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		s.write(w, data)
		return
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// hold counts the request as in flight for delay. The count drops before
// any byte is written, so a client can never have moved on while the
// request still counts. It reports false if the client went away.
func (s *objectServer) hold(r *http.Request, delay time.Duration) bool {
	s.mu.Lock()
	s.inFlight++
	s.peak = max(s.peak, s.inFlight)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()
	if delay <= 0 {
		return true
	}
	select {
	case <-time.After(delay):
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *objectServer) write(w http.ResponseWriter, data []byte) {
	if s.trickle <= 0 {
		w.Write(data)
		return
	}
	step := max(1, len(data)/10)
	for start := 0; start < len(data); start += step {
		w.Write(data[start:min(start+step, len(data))])
		w.(http.Flusher).Flush()
		time.Sleep(s.trickle)
	}
}

func (s *objectServer) peakInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *objectServer) count(method, name, rng string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+name+" "+rng]
}

func (s *objectServer) rangedGets(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for key, n := range s.hits {
		if strings.HasPrefix(key, "GET "+name+" bytes=") {
			total += n
		}
	}
	return total
}

func (s *objectServer) setFault(rng string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failRanges, rng)
		return
	}
	s.failRanges[rng] = status
}

func (s *objectServer) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func randomPayload(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

func compressPayload(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(data)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func hexSHA(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checksumFile(sum string) []byte {
	return []byte(fmt.Sprintf("%s  %s\n", sum, testFile))
}

type fixture struct {
	raw        []byte
	compressed []byte
	server     *objectServer
	url        string
	dir        string
}

func newFixture(t *testing.T, objects func(raw, compressed []byte) map[string][]byte) *fixture {
	t.Helper()
	raw := randomPayload(300_000)
	compressed := compressPayload(t, raw)
	srv := newObjectServer(objects(raw, compressed))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{raw: raw, compressed: compressed, server: srv, url: ts.URL, dir: t.TempDir()}
}

func fullObjects(raw, compressed []byte) map[string][]byte {
	return map[string][]byte{
		testFile + ".zst":    compressed,
		testFile + ".sha256": checksumFile(strings.ToUpper(hexSHA(raw))),
		testFile:             raw,
	}
}

func (f *fixture) job() *utils.AssetJob {
	return &utils.AssetJob{
		Lang:         "en",
		FileName:     testFile,
		OutputPath:   filepath.Join(f.dir, testFile),
		AutoDownload: true,
		Connections:  4,
		ChunkSize:    testChunkSize,
		Metadata:     map[string]any{},
	}
}

func (f *fixture) downloader() *Downloader {
	return f.downloaderWith(utils.HTTPClientConfig{})
}

func (f *fixture) downloaderWith(cfg utils.HTTPClientConfig) *Downloader {
	return NewDownloader(NewSource(f.url, cfg))
}

func (f *fixture) totalChunks() int64 {
	return progress.TotalChunks(int64(len(f.compressed)), testChunkSize)
}

func (f *fixture) chunkRange(idx int64) string {
	start := idx * testChunkSize
	end := min(start+testChunkSize, int64(len(f.compressed))) - 1
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

func fetch(d *Downloader, job *utils.AssetJob) error {
	ctx := context.Background()
	if err := d.ValidateJob(ctx, job); err != nil {
		return err
	}
	if err := d.BuildJob(ctx, job); err != nil {
		return err
	}
	return d.Download(ctx, job)
}

func assertAbsent(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.Truef(t, errors.Is(err, os.ErrNotExist), "expected %s to be absent", path)
}

func TestAlreadyPresentMakesNoRequests(t *testing.T) {
	f := newFixture(t, fullObjects)
	job := f.job()
	require.NoError(t, os.WriteFile(job.OutputPath, []byte("existing"), 0644))

	d := f.downloader()
	for range 3 {
		err := fetch(d, f.job())
		require.ErrorIs(t, err, utils.ErrAlreadyPresent)
	}
	assert.Zero(t, f.server.total())
}

func TestOptOutMakesNoRequests(t *testing.T) {
	f := newFixture(t, fullObjects)
	job := f.job()
	job.AutoDownload = false

	err := fetch(f.downloader(), job)
	require.ErrorIs(t, err, utils.ErrDownloadDisabled)
	assert.Zero(t, f.server.total())
	assertAbsent(t, job.OutputPath)
}

func TestChunkedDownload(t *testing.T) {
	f := newFixture(t, fullObjects)
	job := f.job()

	var mu sync.Mutex
	var states []utils.JobState
	var lastDownloaded, lastTotal int64
	job.StateFunc = func(s utils.JobState) { states = append(states, s) }
	job.ProgressFunc = func(downloaded, total int64) {
		mu.Lock()
		lastDownloaded, lastTotal = max(lastDownloaded, downloaded), total
		mu.Unlock()
	}

	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)

	n := f.totalChunks()
	require.Greater(t, n, int64(2))
	assert.Equal(t, int(n), f.server.rangedGets(testFile+".zst"))
	for idx := int64(0); idx < n; idx++ {
		assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(idx)))
	}
	assert.Zero(t, f.server.count(http.MethodGet, testFile, ""))

	layout := progress.NewLayout(job.OutputPath)
	assertAbsent(t, layout.PartsDir)
	assertAbsent(t, layout.Descriptor)
	assertAbsent(t, layout.TempOutput)

	assert.Equal(t, []utils.JobState{
		utils.StateProbing,
		utils.StateChunked,
		utils.StateAssembling,
		utils.StateVerifying,
		utils.StateFinalized,
	}, states)
	assert.EqualValues(t, len(f.compressed), lastDownloaded)
	assert.EqualValues(t, len(f.compressed), lastTotal)
}

func TestChunkedDownloadInBatches(t *testing.T) {
	f := newFixture(t, fullObjects)
	job := f.job()
	job.BatchSize = 2
	job.Connections = 2

	require.NoError(t, fetch(f.downloader(), job))
	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, int(f.totalChunks()), f.server.rangedGets(testFile+".zst"))
}

// seedProgress writes chunk files and a descriptor marking the given chunks
// complete, as a previous interrupted run would have left them.
func (f *fixture) seedProgress(t *testing.T, url string, complete ...int64) progress.Layout {
	t.Helper()
	layout := progress.NewLayout(filepath.Join(f.dir, testFile))
	desc := progress.NewDescriptor(url, int64(len(f.compressed)), "", testChunkSize)
	require.NoError(t, os.MkdirAll(layout.PartsDir, 0755))
	for _, idx := range complete {
		start, end := desc.ChunkRange(idx)
		part := f.compressed[start : end+1]
		require.NoError(t, os.WriteFile(layout.ChunkPath(idx), part, 0644))
		desc.MarkComplete(idx, hexSHA(part))
	}
	require.NoError(t, progress.Save(desc, layout))
	return layout
}

func TestResumeFetchesOnlyPendingChunks(t *testing.T) {
	f := newFixture(t, fullObjects)
	f.seedProgress(t, f.url+"/"+testFile+".zst", 0, 2)

	job := f.job()
	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)

	n := f.totalChunks()
	assert.Equal(t, int(n)-2, f.server.rangedGets(testFile+".zst"))
	assert.Zero(t, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(0)))
	assert.Zero(t, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(2)))
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(1)))
}

func TestResumeRefetchesDamagedChunks(t *testing.T) {
	f := newFixture(t, fullObjects)
	layout := f.seedProgress(t, f.url+"/"+testFile+".zst", 0, 1, 2)

	// chunk 0 truncated, chunk 1 same size but different bytes
	require.NoError(t, os.WriteFile(layout.ChunkPath(0), []byte("short"), 0644))
	bad := bytes.Repeat([]byte{0xAB}, testChunkSize)
	require.NoError(t, os.WriteFile(layout.ChunkPath(1), bad, 0644))

	job := f.job()
	job.VerifyParts = true
	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(0)))
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(1)))
	assert.Zero(t, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(2)))
}

func TestStaleDescriptorIsDiscarded(t *testing.T) {
	f := newFixture(t, fullObjects)
	layout := f.seedProgress(t, "https://old.example.com/"+testFile+".zst", 0, 1)
	// a stale part that must never be assembled
	require.NoError(t, os.WriteFile(layout.ChunkPath(0), bytes.Repeat([]byte{1}, testChunkSize), 0644))

	job := f.job()
	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, int(f.totalChunks()), f.server.rangedGets(testFile+".zst"))
}

func TestChunkFailurePersistsCompletedChunks(t *testing.T) {
	f := newFixture(t, fullObjects)
	f.server.setFault(f.chunkRange(2), http.StatusInternalServerError)

	job := f.job()
	job.Connections = 1
	err := fetch(f.downloader(), job)
	require.Error(t, err)
	var te *utils.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.Equal(t, utils.StateFailed, job.State)
	assertAbsent(t, job.OutputPath)

	layout := progress.NewLayout(job.OutputPath)
	desc := progress.Load(layout)
	require.NotNil(t, desc)
	assert.Equal(t, progress.StatusComplete, desc.Chunks[0].Status)
	assert.Equal(t, progress.StatusComplete, desc.Chunks[1].Status)
	assert.Equal(t, progress.StatusPending, desc.Chunks[2].Status)

	// the next run picks up where the failed one stopped
	f.server.setFault(f.chunkRange(2), 0)
	require.NoError(t, fetch(f.downloader(), f.job()))
	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(0)))
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", f.chunkRange(1)))
	assertAbsent(t, layout.PartsDir)
}

func TestFetchesInFlightNeverExceedConnections(t *testing.T) {
	f := newFixture(t, fullObjects)
	f.server.delays[""] = 40 * time.Millisecond

	job := f.job()
	job.Connections = 3
	require.NoError(t, fetch(f.downloader(), job))

	assert.Equal(t, int(f.totalChunks()), f.server.rangedGets(testFile+".zst"))
	assert.LessOrEqual(t, f.server.peakInFlight(), 3)
	assert.Greater(t, f.server.peakInFlight(), 1)
}

func TestChunkFailureCancelsConcurrentFetches(t *testing.T) {
	f := newFixture(t, fullObjects)
	require.GreaterOrEqual(t, f.totalChunks(), int64(5))
	// chunk 1 fails after a short wait while chunk 3 would take far longer
	f.server.setFault(f.chunkRange(1), http.StatusBadGateway)
	f.server.delays[f.chunkRange(1)] = 150 * time.Millisecond
	f.server.delays[f.chunkRange(3)] = 10 * time.Second

	job := f.job()
	job.Connections = 3
	start := time.Now()
	err := fetch(f.downloader(), job)
	require.Error(t, err)
	var te *utils.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	layout := progress.NewLayout(job.OutputPath)
	desc := progress.Load(layout)
	require.NotNil(t, desc)
	var complete []int64
	for idx := int64(0); idx < desc.TotalChunks; idx++ {
		if desc.Chunks[idx].Status == progress.StatusComplete {
			complete = append(complete, idx)
		}
	}
	// chunks 0 and 2 finish right away, freeing slots for chunks 3 and 4
	assert.Equal(t, []int64{0, 2, 4}, complete)
	for _, idx := range complete {
		info, statErr := os.Stat(layout.ChunkPath(idx))
		require.NoError(t, statErr)
		assert.Equal(t, desc.ChunkByteSize(idx), info.Size())
	}
	assert.Equal(t, progress.StatusPending, desc.Chunks[1].Status)
	assert.Equal(t, progress.StatusPending, desc.Chunks[3].Status)
	assertAbsent(t, job.OutputPath)
}

func TestSlowSingleConnectionOutlivesClientTimeout(t *testing.T) {
	f := newFixture(t, fullObjects)
	f.server.noRange = true
	f.server.trickle = 100 * time.Millisecond

	job := f.job()
	start := time.Now()
	require.NoError(t, fetch(f.downloaderWith(utils.HTTPClientConfig{Timeout: 300 * time.Millisecond}), job))
	assert.Greater(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, utils.StrategySingleCompressed, jobStrategy(job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
}

func TestRetriesRescheduleFailedChunks(t *testing.T) {
	f := newFixture(t, fullObjects)
	rng := f.chunkRange(1)
	f.server.setFault(rng, http.StatusServiceUnavailable)

	job := f.job()
	job.Retries = 1
	job.StateFunc = func(s utils.JobState) {
		// clear the fault once scheduling starts so only the first pass fails
		if s == utils.StateChunked {
			go func() {
				for f.server.count(http.MethodGet, testFile+".zst", rng) == 0 {
					time.Sleep(5 * time.Millisecond)
				}
				f.server.setFault(rng, 0)
			}()
		}
	}
	require.NoError(t, fetch(f.downloader(), job))
	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, 2, f.server.count(http.MethodGet, testFile+".zst", rng))
}

func TestIntegrityFailureLeavesNoDestination(t *testing.T) {
	f := newFixture(t, func(raw, compressed []byte) map[string][]byte {
		objects := fullObjects(raw, compressed)
		objects[testFile+".sha256"] = checksumFile(hexSHA([]byte("not the payload")))
		return objects
	})
	job := f.job()
	err := fetch(f.downloader(), job)
	require.Error(t, err)
	var ie *utils.IntegrityError
	assert.ErrorAs(t, err, &ie)

	layout := progress.NewLayout(job.OutputPath)
	assertAbsent(t, job.OutputPath)
	assertAbsent(t, layout.TempOutput)
	// parts stay for diagnosis and a retry without refetching
	assert.NotNil(t, progress.Load(layout))
	_, statErr := os.Stat(layout.ChunkPath(0))
	assert.NoError(t, statErr)
}

func TestNoRangeFallbackNeverCreatesParts(t *testing.T) {
	f := newFixture(t, fullObjects)
	f.server.noRange = true
	job := f.job()
	var states []utils.JobState
	job.StateFunc = func(s utils.JobState) { states = append(states, s) }

	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)

	layout := progress.NewLayout(job.OutputPath)
	assertAbsent(t, layout.PartsDir)
	assertAbsent(t, layout.Descriptor)
	assertAbsent(t, layout.TempOutput)
	assert.Zero(t, f.server.rangedGets(testFile+".zst"))
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile+".zst", ""))
	assert.Contains(t, states, utils.StateSingleConnectionCompressed)
	assert.NotContains(t, states, utils.StateChunked)
}

func TestPlainFallback(t *testing.T) {
	f := newFixture(t, func(raw, compressed []byte) map[string][]byte {
		return map[string][]byte{
			testFile:             raw,
			testFile + ".sha256": checksumFile(hexSHA(raw)),
		}
	})
	job := f.job()
	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, utils.StateFinalized, job.State)
	assert.Equal(t, 1, f.server.count(http.MethodGet, testFile, ""))
	assertAbsent(t, job.OutputPath+utils.DownloadSuffix)
	assertAbsent(t, progress.NewLayout(job.OutputPath).PartsDir)
}

func TestPlainFallbackWithoutChecksum(t *testing.T) {
	f := newFixture(t, func(raw, compressed []byte) map[string][]byte {
		return map[string][]byte{testFile: raw}
	})
	job := f.job()
	require.NoError(t, fetch(f.downloader(), job))

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, f.raw, got)
	assert.Equal(t, "", expectedSHA256(job))
}

func TestPlainFallbackChecksumMismatch(t *testing.T) {
	f := newFixture(t, func(raw, compressed []byte) map[string][]byte {
		return map[string][]byte{
			testFile:             raw,
			testFile + ".sha256": checksumFile(hexSHA(compressed)),
		}
	})
	job := f.job()
	err := fetch(f.downloader(), job)
	require.Error(t, err)
	var ie *utils.IntegrityError
	assert.ErrorAs(t, err, &ie)
	assertAbsent(t, job.OutputPath)
	assertAbsent(t, job.OutputPath+utils.DownloadSuffix)
}

func TestMissingAssetFails(t *testing.T) {
	f := newFixture(t, func(raw, compressed []byte) map[string][]byte {
		return map[string][]byte{}
	})
	job := f.job()
	err := fetch(f.downloader(), job)
	require.Error(t, err)
	var te *utils.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assertAbsent(t, job.OutputPath)
}
