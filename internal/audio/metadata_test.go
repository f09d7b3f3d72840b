package audio

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPusher(t *testing.T, title string) *MetadataPusher {
	t.Helper()

	settings := testAudioSettings()
	settings.MetadataRequestTimeout = 2 * time.Second

	mp, err := NewMetadataPusher(testStreamConfig(), settings, func() string { return title }, nil)
	require.NoError(t, err)
	return mp
}

func activateMock(t *testing.T, mp *MetadataPusher) {
	t.Helper()
	httpmock.ActivateNonDefault(mp.client)
	t.Cleanup(httpmock.DeactivateAndReset)
}

const metadataEndpoint = `=~^http://icecast\.test:8000/admin/metadata`

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	assert.Equal(t, "Alert Feed [vhf]", DeriveTitle(&cfg, "vhf"))
	assert.Equal(t, "Alert Feed", DeriveTitle(&cfg, ""))

	cfg.Name = ""
	assert.Equal(t, "Emergency alert monitor [vhf]", DeriveTitle(&cfg, "vhf"))

	cfg.Description = ""
	assert.Equal(t, "alerts.mp3 [vhf]", DeriveTitle(&cfg, "vhf"))
}

func TestMetadataPushSuccess(t *testing.T) {
	mp := newTestPusher(t, "Alert Feed [vhf]")
	activateMock(t, mp)

	var gotQuery map[string]string
	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			gotQuery = map[string]string{
				"mount": q.Get("mount"),
				"mode":  q.Get("mode"),
				"song":  q.Get("song"),
			}
			user, _, ok := req.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "admin", user)
			return httpmock.NewStringResponse(http.StatusOK, "Metadata update successful"), nil
		})

	require.NoError(t, mp.pushWithRetry(context.Background(), "Alert Feed [vhf]"))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, "/alerts.mp3", gotQuery["mount"])
	assert.Equal(t, "updinfo", gotQuery["mode"])
	assert.Equal(t, "Alert Feed [vhf]", gotQuery["song"])
}

func TestMetadataAuthFailureDoesNotRetry(t *testing.T) {
	mp := newTestPusher(t, "x")
	activateMock(t, mp)

	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		httpmock.NewStringResponder(http.StatusUnauthorized, "Authentication Required"))

	err := mp.pushWithRetry(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "auth failures must not be retried")
}

func TestMetadataRetriesServerErrors(t *testing.T) {
	orig := metadataBackoffBase
	metadataBackoffBase = time.Millisecond
	t.Cleanup(func() { metadataBackoffBase = orig })

	mp := newTestPusher(t, "x")
	activateMock(t, mp)

	calls := 0
	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	require.NoError(t, mp.pushWithRetry(context.Background(), "x"))
	assert.Equal(t, 3, calls)
}

func TestMetadataRetriesUnregisteredMount(t *testing.T) {
	orig := metadataBackoffBase
	metadataBackoffBase = time.Millisecond
	t.Cleanup(func() { metadataBackoffBase = orig })

	mp := newTestPusher(t, "x")
	activateMock(t, mp)

	calls := 0
	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				// The encoder has not registered the mount yet.
				return httpmock.NewStringResponse(http.StatusBadRequest, "Source does not exist"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	require.NoError(t, mp.pushWithRetry(context.Background(), "x"))
	assert.Equal(t, 2, calls)
}

func TestMetadataRetryBudgetExhausted(t *testing.T) {
	orig := metadataBackoffBase
	metadataBackoffBase = time.Millisecond
	t.Cleanup(func() { metadataBackoffBase = orig })

	mp := newTestPusher(t, "x")
	activateMock(t, mp)

	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	err := mp.pushWithRetry(context.Background(), "x")
	require.Error(t, err)
	// Initial attempt plus the configured retries.
	assert.Equal(t, mp.audio.MetadataMaxRetries+1, httpmock.GetTotalCallCount())
}

func TestMetadataPermanentFailureNotRepeated(t *testing.T) {
	settings := testAudioSettings()
	settings.MetadataInterval = 20 * time.Millisecond
	settings.MetadataRequestTimeout = time.Second

	mp, err := NewMetadataPusher(testStreamConfig(), settings, func() string { return "x" }, nil)
	require.NoError(t, err)
	activateMock(t, mp)

	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		httpmock.NewStringResponder(http.StatusUnauthorized, "Authentication Required"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mp.Run(ctx)
	}()

	// Bad credentials do not fix themselves: the doomed request must not
	// be replayed every interval.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	cancel()
	<-done
}

func TestMetadataTransientFailureRetriedNextTick(t *testing.T) {
	orig := metadataBackoffBase
	metadataBackoffBase = time.Millisecond
	t.Cleanup(func() { metadataBackoffBase = orig })

	settings := testAudioSettings()
	settings.MetadataInterval = 20 * time.Millisecond
	settings.MetadataRequestTimeout = time.Second
	settings.MetadataMaxRetries = 0

	mp, err := NewMetadataPusher(testStreamConfig(), settings, func() string { return "x" }, nil)
	require.NoError(t, err)
	activateMock(t, mp)

	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mp.Run(ctx)
	}()

	// A server error may clear up: the push keeps being attempted.
	assert.Eventually(t, func() bool {
		return httpmock.GetTotalCallCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestMetadataRunPushesOnlyChanges(t *testing.T) {
	var title atomic.Value
	title.Store("first")
	settings := testAudioSettings()
	settings.MetadataInterval = 20 * time.Millisecond
	settings.MetadataRequestTimeout = time.Second

	mp, err := NewMetadataPusher(testStreamConfig(), settings, func() string { return title.Load().(string) }, nil)
	require.NoError(t, err)
	activateMock(t, mp)

	httpmock.RegisterResponder(http.MethodGet, metadataEndpoint,
		httpmock.NewStringResponder(http.StatusOK, "ok"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mp.Run(ctx)
	}()

	// Several intervals with the same title: exactly one push.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	// A title change triggers exactly one more.
	title.Store("second")
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())

	cancel()
	<-done
}
