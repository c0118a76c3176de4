package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/fallback"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/status"
	"github.com/your-org/birdtag/internal/tasks"
	"github.com/your-org/birdtag/internal/thumbnail"
	"github.com/your-org/birdtag/internal/upload"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
)

const testBase = "http://birdtag.test"

type testEnv struct {
	store      *objectstore.Memory
	catalog    *catalog.MemoryStore
	results    *results.MemoryStore
	aggregator *results.Aggregator
	router     http.Handler
}

type envOptions struct {
	policy     fallback.Policy
	limits     map[media.Type]int64
	grantRate  float64
	grantBurst int
	now        func() time.Time
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	store := objectstore.NewMemory()
	cat := catalog.NewMemoryStore()
	reg := tasks.NewMemoryRegistry()
	res := results.NewMemoryStore()
	agg := results.NewAggregator(results.AggregatorParams{Store: res})

	files, err := fallback.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	probe := fallback.NewProbe(fallback.ProbeParams{Policy: opts.policy, Store: store, TTL: time.Millisecond})
	pipeline := fallback.NewPipeline(fallback.PipelineParams{
		Files:      files,
		Aggregator: agg,
		Limits:     opts.limits,
		Thumbnail:  thumbnail.Options{Width: 64, Height: 64, Quality: 80},
	})
	coord := upload.NewCoordinator(upload.Params{
		Catalog:  cat,
		Remote:   upload.PostPolicySigner{Store: store},
		Local:    upload.LocalSigner{BaseURL: testBase},
		Selector: probe,
		Limits:   opts.limits,
		Now:      opts.now,
	})

	svc := NewService(Params{
		Store:         store,
		Catalog:       cat,
		Tasks:         reg,
		Results:       res,
		Coordinator:   coord,
		Probe:         probe,
		Pipeline:      pipeline,
		Aggregator:    agg,
		PublicBaseURL: testBase,
	})
	h := NewHTTPHandler(HTTPParams{
		Service:         svc,
		GrantsPerSecond: opts.grantRate,
		GrantBurst:      opts.grantBurst,
	})

	return &testEnv{store: store, catalog: cat, results: res, aggregator: agg, router: h.Router()}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) grant(t *testing.T, name, mediaType string, size int64) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(grantRequest{Name: name, MediaType: mediaType, Size: size})
	require.NoError(t, err)
	return e.do(t, http.MethodPost, "/api/v1/uploads/grants", body, "application/json")
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.New(120, 80, color.NRGBA{R: 200, A: 255})))
	return buf.Bytes()
}

func decodeGrant(t *testing.T, rec *httptest.ResponseRecorder) media.Grant {
	t.Helper()
	var g media.Grant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	return g
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	rec := e.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGrantEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{policy: fallback.PolicyNever, limits: map[media.Type]int64{media.TypeImage: 1000}})

	rec := e.grant(t, "magpie.jpg", "image", 1000)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	g := decodeGrant(t, rec)
	assert.True(t, strings.HasPrefix(g.Key, "images/"))
	assert.Equal(t, media.ModeRemote, g.Mode)
	assert.Equal(t, http.MethodPost, g.Method)
	assert.Equal(t, int64(1000), g.MaxBytes)

	assert.Equal(t, http.StatusRequestEntityTooLarge, e.grant(t, "magpie.jpg", "image", 1001).Code)
	assert.Equal(t, http.StatusBadRequest, e.grant(t, "magpie.txt", "document", 10).Code)
	assert.Equal(t, http.StatusBadRequest, e.grant(t, "magpie.jpg", "image", 0).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/uploads/grants", []byte("{"), "application/json").Code)
}

func TestGrantRateLimited(t *testing.T) {
	e := newTestEnv(t, envOptions{policy: fallback.PolicyNever, grantRate: 0.001, grantBurst: 2})

	assert.Equal(t, http.StatusCreated, e.grant(t, "a.jpg", "image", 10).Code)
	assert.Equal(t, http.StatusCreated, e.grant(t, "b.jpg", "image", 10).Code)
	rec := e.grant(t, "c.jpg", "image", 10)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestFallbackGrantFlow(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.store.SetAvailable(false)
	data := pngBytes(t)

	rec := e.grant(t, "heron.png", "image", int64(len(data)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	g := decodeGrant(t, rec)
	assert.Equal(t, media.ModeFallback, g.Mode)
	assert.Equal(t, http.MethodPut, g.Method)
	require.True(t, strings.HasPrefix(g.WriteURL, testBase+upload.LocalPath))

	writePath := strings.TrimPrefix(g.WriteURL, testBase)
	rec = e.do(t, http.MethodPut, writePath, data, "image/png")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/status/"+g.Key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st status.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, status.StateComplete, st.State)
	require.NotNil(t, st.Result)
	assert.Equal(t, media.SourceFallback, st.Result.Source)
	assert.NotEmpty(t, st.Result.Tags)

	rec = e.do(t, http.MethodGet, "/api/v1/files/"+g.Key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())

	rec = e.do(t, http.MethodPut, writePath, data, "image/png")
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Empty(t, e.store.Keys())
}

func TestLocalWriteExpiredGrant(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	e := newTestEnv(t, envOptions{policy: fallback.PolicyAlways, now: func() time.Time { return past }})

	rec := e.grant(t, "owl.wav", "audio", 4)
	require.Equal(t, http.StatusCreated, rec.Code)
	g := decodeGrant(t, rec)

	rec = e.do(t, http.MethodPut, strings.TrimPrefix(g.WriteURL, testBase), []byte("RIFF"), "audio/wav")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestLocalWriteRequiresFallbackGrant(t *testing.T) {
	e := newTestEnv(t, envOptions{policy: fallback.PolicyNever})

	g := decodeGrant(t, e.grant(t, "owl.wav", "audio", 4))
	rec := e.do(t, http.MethodPut, upload.LocalPath+g.Key, []byte("RIFF"), "audio/wav")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPut, upload.LocalPath+"audio/2026/10/16/unknown.wav", []byte("RIFF"), "audio/wav")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusUnknownKey(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	rec := e.do(t, http.MethodGet, "/api/v1/status/images/2026/10/16/missing.jpg", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartBody(t *testing.T, filename, mediaType string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if mediaType != "" {
		require.NoError(t, mw.WriteField("media_type", mediaType))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestDirectUploadRemote(t *testing.T) {
	e := newTestEnv(t, envOptions{policy: fallback.PolicyNever})

	body, ct := multipartBody(t, "wren.png", "image", pngBytes(t))
	rec := e.do(t, http.MethodPost, "/api/v1/uploads", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var out UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, media.ModeRemote, out.Mode)
	assert.Equal(t, status.StatePending, out.Status.State)
	assert.Len(t, out.Checksum, 64)
	assert.Contains(t, e.store.Keys(), out.Key)

	obj, err := e.catalog.Get(context.Background(), out.Key)
	require.NoError(t, err)
	assert.True(t, obj.Written())
}

func TestDirectUploadFallsBackWhenStoreDown(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.store.SetAvailable(false)

	body, ct := multipartBody(t, "wren.png", "", pngBytes(t))
	rec := e.do(t, http.MethodPost, "/api/v1/uploads", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var out UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, media.TypeImage, out.MediaType)
	assert.Equal(t, media.ModeFallback, out.Mode)
	assert.Equal(t, status.StateComplete, out.Status.State)
}

func TestDirectUploadRejectsMissingFile(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("media_type", "image"))
	require.NoError(t, mw.Close())

	rec := e.do(t, http.MethodPost, "/api/v1/uploads", buf.Bytes(), mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedResult(t *testing.T, e *testEnv, key string, tags map[string]int, source media.Source) {
	t.Helper()
	_, err := e.aggregator.Finalize(context.Background(), key, tags, source)
	require.NoError(t, err)
}

type searchResponse struct {
	Results []SearchHit `json:"results"`
}

func TestSearchEndpoints(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	seedResult(t, e, "images/a.jpg", map[string]int{"crow": 2, "pigeon": 1}, media.SourceRemote)
	seedResult(t, e, "images/b.jpg", map[string]int{"crow": 1}, media.SourceFallback)

	q := url.Values{"tags": {`{"Crow":2}`}}
	rec := e.do(t, http.MethodGet, "/api/v1/search?"+q.Encode(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "images/a.jpg", resp.Results[0].Key)
	assert.Contains(t, resp.Results[0].URL, "memory.local")

	rec = e.do(t, http.MethodGet, "/api/v1/search/species?species=crow", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = searchResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	for _, hit := range resp.Results {
		if hit.Source == media.SourceFallback {
			assert.Equal(t, testBase+filesPath+hit.Key, hit.URL)
		}
	}

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/search?tags=crow", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/search/species", nil, "").Code)
}

func TestTagsEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	ctx := context.Background()
	seedResult(t, e, "images/a.jpg", map[string]int{"crow": 1}, media.SourceRemote)

	rec := e.do(t, http.MethodPost, "/api/v1/tags",
		[]byte(`{"keys":["images/a.jpg","images/missing.jpg"],"operation":1,"tags":["crow,2","Magpie"]}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"updated":["images/a.jpg"]}`, rec.Body.String())

	got, err := e.results.Get(ctx, "images/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"crow": 3, "magpie": 1}, got.Tags)

	rec = e.do(t, http.MethodPost, "/api/v1/tags",
		[]byte(`{"keys":["images/a.jpg"],"operation":0,"tags":["crow,3"]}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = e.results.Get(ctx, "images/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"magpie": 1}, got.Tags)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/tags",
		[]byte(`{"keys":["images/a.jpg"],"tags":["crow"]}`), "application/json").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/tags",
		[]byte(`{"keys":["images/a.jpg"],"operation":7,"tags":["crow"]}`), "application/json").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/tags",
		[]byte(`{"keys":["images/a.jpg"],"operation":1,"tags":["crow,lots"]}`), "application/json").Code)
}

func TestDeleteEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{policy: fallback.PolicyAlways})

	body, ct := multipartBody(t, "tern.png", "image", pngBytes(t))
	rec := e.do(t, http.MethodPost, "/api/v1/uploads", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	rec = e.do(t, http.MethodDelete, "/api/v1/media/"+out.Key, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/status/"+out.Key, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/files/"+out.Key, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/v1/media/"+out.Key, nil, "").Code)
}

func TestDirectUploadStoreDownWithFallbackDisabled(t *testing.T) {
	e := newTestEnv(t, envOptions{policy: fallback.PolicyNever})
	e.store.SetAvailable(false)

	body, ct := multipartBody(t, "wren.png", "image", pngBytes(t))
	rec := e.do(t, http.MethodPost, "/api/v1/uploads", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLocalWriteRejectedKeepsGrantUsable(t *testing.T) {
	e := newTestEnv(t, envOptions{
		policy: fallback.PolicyAlways,
		limits: map[media.Type]int64{media.TypeImage: 4096},
	})
	data := pngBytes(t)
	require.Less(t, len(data), 4096)

	g := decodeGrant(t, e.grant(t, "egret.png", "image", int64(len(data))))
	writePath := strings.TrimPrefix(g.WriteURL, testBase)

	// chunked body without a Content-Length, larger than the image limit
	req := httptest.NewRequest(http.MethodPut, writePath, bytes.NewReader(make([]byte, 5000)))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/status/"+g.Key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st status.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, status.StatePending, st.State)

	rec = e.do(t, http.MethodPut, writePath, data, "image/png")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	obj, err := e.catalog.Get(context.Background(), g.Key)
	require.NoError(t, err)
	assert.True(t, obj.Written())
}
