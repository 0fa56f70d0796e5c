package checkpoint

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/fetcher"
	"github.com/wisepulse/silopipe/record"
)

func testExtractor() *record.Extractor {
	return record.NewExtractor(record.MustFieldPath("/submittedAtTimestamp"), nil)
}

func sample(ts int64) string {
	return fmt.Sprintf(`{"sampleId":"s%d","submittedAtTimestamp":%d}`, ts, ts)
}

func body(samples ...string) string {
	out := `{"data":[`
	for i, s := range samples {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out + `]}`
}

type fakeAPI struct {
	submissions []string
	revocations []string
	failWith    int // http status; 0 disables

	lastSubmittedAfter   string
	lastSamplingDateFrom string
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		q := r.URL.Query()
		if q.Get("isRevocation") == "true" {
			fmt.Fprint(w, body(f.revocations...))
			return
		}
		f.lastSubmittedAfter = q.Get("submittedAtTimestampFrom")
		f.lastSamplingDateFrom = q.Get("samplingDateFrom")
		fmt.Fprint(w, body(f.submissions...))
	}
}

func newDetector(t *testing.T, srvURL string, committed int64) (*Detector, *Store) {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(nil, filepath.Join(dir, ".last_update"), filepath.Join(dir, ".next_timestamp"))
	if committed > 0 {
		require.NoError(t, store.Promote(committed))
	}

	client, err := fetcher.NewClient(fetcher.ClientOptions{
		BaseURL:       srvURL,
		RetryInterval: time.Millisecond,
		MaxRetries:    1,
	})
	require.NoError(t, err)

	d, err := NewDetector(client, testExtractor(), store, DetectorOptions{
		WindowDays: 5,
		Now:        func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return d, store
}

func TestDetectorNewData(t *testing.T) {
	// committed=100, window=5 days, observed submissions [105,110,103]
	// => new data with pending checkpoint 110.
	api := &fakeAPI{submissions: []string{sample(105), sample(110), sample(103)}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	d, _ := newDetector(t, srv.URL, 100)
	outcome, pending, err := d.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NewData, outcome)
	assert.Equal(t, int64(110), pending)

	// Strictly-after lower bound and rolling window were applied.
	assert.Equal(t, "101", api.lastSubmittedAfter)
	assert.Equal(t, "2024-06-10", api.lastSamplingDateFrom)
}

func TestDetectorNoNewData(t *testing.T) {
	srv := httptest.NewServer((&fakeAPI{}).handler())
	defer srv.Close()

	d, _ := newDetector(t, srv.URL, 100)
	outcome, pending, err := d.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoNewData, outcome)
	assert.Zero(t, pending)
}

func TestDetectorRevocationsAloneTrigger(t *testing.T) {
	api := &fakeAPI{revocations: []string{sample(120)}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	d, _ := newDetector(t, srv.URL, 100)
	outcome, pending, err := d.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NewData, outcome)
	assert.Equal(t, int64(120), pending)
}

func TestDetectorQueryError(t *testing.T) {
	api := &fakeAPI{failWith: http.StatusInternalServerError}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	d, _ := newDetector(t, srv.URL, 100)
	_, _, err := d.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, silopipe.KindTransport, silopipe.KindOf(err))
}

func TestDetectorFirstRunAnchorsAtWindow(t *testing.T) {
	api := &fakeAPI{submissions: []string{sample(200)}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	d, _ := newDetector(t, srv.URL, 0) // no committed checkpoint
	outcome, pending, err := d.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NewData, outcome)
	assert.Equal(t, int64(200), pending)

	anchor := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC).Unix() + 1
	assert.Equal(t, fmt.Sprint(anchor), api.lastSubmittedAfter)
}
