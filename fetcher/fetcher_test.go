package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/codec"
	"github.com/wisepulse/silopipe/record"
)

func testExtractor() *record.Extractor {
	return record.NewExtractor(
		record.MustFieldPath("/submittedAtTimestamp"),
		record.MustFieldPath("/sampleId"))
}

func sample(id string, ts int64) string {
	return fmt.Sprintf(`{"sampleId":%q,"submittedAtTimestamp":%d}`, id, ts)
}

func pageBody(samples ...string) string {
	body := `{"data":[`
	for i, s := range samples {
		if i > 0 {
			body += ","
		}
		body += s
	}
	return body + `]}`
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		BaseURL:       baseURL,
		RetryInterval: time.Millisecond,
		MaxRetries:    2,
	})
	require.NoError(t, err)
	return c
}

func readShard(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := codec.ForPath(path).NewReader(f)
	require.NoError(t, err)
	defer r.Close()

	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestDetailsURL(t *testing.T) {
	c, err := NewClient(ClientOptions{BaseURL: "https://api.example.org", Organism: "rsva"})
	require.NoError(t, err)

	u := c.DetailsURL(DetailsQuery{SamplingDate: "2024-06-15", Limit: 100, Offset: 200})
	assert.Contains(t, u, "https://api.example.org/rsva/sample/details?")
	assert.Contains(t, u, "samplingDate=2024-06-15")
	assert.Contains(t, u, "limit=100")
	assert.Contains(t, u, "offset=200")
	assert.Contains(t, u, "dataFormat=JSON")

	u = c.DetailsURL(DetailsQuery{SubmittedAfter: 1700000001, SamplingDateFrom: "2024-01-01"})
	assert.Contains(t, u, "submittedAtTimestampFrom=1700000001")
	assert.Contains(t, u, "samplingDateFrom=2024-01-01")

	u = c.DetailsURL(DetailsQuery{Revocations: true, SubmittedAfter: 5})
	assert.Contains(t, u, "isRevocation=true")
}

func TestDetailsPageRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, pageBody(sample("s1", 100)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	page, err := c.DetailsPage(context.Background(), DetailsQuery{SamplingDate: "2024-06-15"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetailsPageExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.DetailsPage(context.Background(), DetailsQuery{})
	require.Error(t, err)
	assert.Equal(t, silopipe.KindTransport, silopipe.KindOf(err))
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestDetailsPageClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.DetailsPage(context.Background(), DetailsQuery{})
	require.Error(t, err)
	assert.Equal(t, silopipe.KindTransport, silopipe.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestFetcherPaginationDedup(t *testing.T) {
	// Page size 2. s2 sits on the page boundary and reappears on the
	// next page (value tie on the ordering field); it must be written
	// once, keeping the later occurrence.
	pages := map[string][]string{
		"0": {sample("s1", 100), sample("s2", 105)},
		"2": {sample("s2", 106), sample("s3", 110)},
		"4": {},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("samplingDate") != "2024-06-15" {
			fmt.Fprint(w, pageBody())
			return
		}
		offset := r.URL.Query().Get("offset")
		if offset == "" {
			offset = "0"
		}
		fmt.Fprint(w, pageBody(pages[offset]...))
	}))
	defer srv.Close()

	f, err := New(newTestClient(t, srv.URL), testExtractor(), Options{
		StartDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Days:       2,
		MaxPerPage: 2,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Shards, 1)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 1, res.Duplicates)

	lines := readShard(t, res.Shards[0])
	assert.Equal(t, []string{
		sample("s1", 100),
		sample("s2", 106), // later occurrence won
		sample("s3", 110),
	}, lines)
}

func TestFetcherWalksDatesBackwards(t *testing.T) {
	var dates []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := r.URL.Query().Get("samplingDate")
		dates = append(dates, d)
		if d == "2024-06-14" {
			fmt.Fprint(w, pageBody(sample("s1", 100)))
			return
		}
		fmt.Fprint(w, pageBody())
	}))
	defer srv.Close()

	f, err := New(newTestClient(t, srv.URL), testExtractor(), Options{
		StartDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Days:       3,
		MaxPerPage: 10,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-15", "2024-06-14", "2024-06-13"}, dates)
	require.Len(t, res.Shards, 1)
	assert.Contains(t, res.Shards[0], "shard-2024-06-14.ndjson.zst")
}

func TestFetcherMaxReadsStopsBeforeExceeding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := r.URL.Query().Get("samplingDate")
		fmt.Fprint(w, pageBody(sample("a-"+d, 1), sample("b-"+d, 2)))
	}))
	defer srv.Close()

	f, err := New(newTestClient(t, srv.URL), testExtractor(), Options{
		StartDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Days:       5,
		MaxReads:   3,
		MaxPerPage: 10,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	// First day fits (2 records); the second would exceed 3.
	assert.Equal(t, 2, res.Records)
	assert.Len(t, res.Shards, 1)
	assert.True(t, res.Truncated)
}

func TestFetcherFailedDayKeepsEarlierShards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("samplingDate") {
		case "2024-06-15":
			fmt.Fprint(w, pageBody(sample("s1", 100)))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, err := New(newTestClient(t, srv.URL), testExtractor(), Options{
		StartDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Days:       2,
		MaxPerPage: 10,
		OutputDir:  dir,
	})
	require.NoError(t, err)

	res, err := f.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, silopipe.KindTransport, silopipe.KindOf(err))

	// The first day's shard survives the second day's failure.
	require.Len(t, res.Shards, 1)
	_, serr := os.Stat(res.Shards[0])
	assert.NoError(t, serr)
}

func TestFetcherRecordWithoutIDIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(`{"submittedAtTimestamp":100}`))
	}))
	defer srv.Close()

	f, err := New(newTestClient(t, srv.URL), testExtractor(), Options{
		StartDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Days:       1,
		MaxPerPage: 10,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	_, err = f.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, silopipe.KindInput, silopipe.KindOf(err))
}

func TestDetailsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset >= 5 {
			fmt.Fprint(w, pageBody())
			return
		}
		var out []string
		for i := offset; i < offset+2 && i < 5; i++ {
			out = append(out, sample(fmt.Sprintf("s%d", i), int64(100+i)))
		}
		fmt.Fprint(w, pageBody(out...))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	all, err := c.DetailsAll(context.Background(), DetailsQuery{}, 2)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
