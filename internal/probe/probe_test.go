package probe

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/testutil"
)

func TestProbeRangeSupported(t *testing.T) {
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(10*1024*1024),
		testutil.WithRangeSupport(true),
		testutil.WithContentType("application/octet-stream"),
		testutil.WithFilename("archive.bin"),
	)
	defer srv.Close()

	rc := &config.RuntimeConfig{}
	res, err := Probe(context.Background(), srv.Server.Client(), srv.URL(), rc)
	require.NoError(t, err)

	assert.True(t, res.Info.SupportsRange)
	assert.Equal(t, int64(10*1024*1024), res.Info.TotalSize)
	assert.Equal(t, "application/octet-stream", res.Info.ContentType)
	assert.Equal(t, "http/1.1", res.Info.NegotiatedProto)
}

func TestProbeRangeUnsupportedFallsBackToContentLength(t *testing.T) {
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(4096),
		testutil.WithRangeSupport(false),
	)
	defer srv.Close()

	rc := &config.RuntimeConfig{}
	res, err := Probe(context.Background(), srv.Server.Client(), srv.URL(), rc)
	require.NoError(t, err)

	assert.False(t, res.Info.SupportsRange)
	assert.Equal(t, int64(4096), res.Info.TotalSize)
}

func TestProbeUnexpectedStatusIsError(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	rc := &config.RuntimeConfig{}
	_, err := Probe(context.Background(), srv.Server.Client(), srv.URL(), rc)
	assert.Error(t, err)
}

func TestProbeAllSeparatesValidFromFailed(t *testing.T) {
	good := testutil.NewMockServerT(t, testutil.WithFileSize(2048), testutil.WithRangeSupport(true))
	defer good.Close()
	bad := testutil.NewMockServerT(t, testutil.WithFileSize(2048), testutil.WithRangeSupport(false))
	defer bad.Close()

	rc := &config.RuntimeConfig{}
	valid, failures := ProbeAll(context.Background(), good.Server.Client(), rc, []string{good.URL(), bad.URL()})

	assert.Equal(t, []string{good.URL()}, valid)
	assert.Contains(t, failures, bad.URL())
}

func TestNegotiatePrefersH3WhenAdvertised(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Alt-Svc": []string{`h3=":443"; ma=86400`}}, ProtoMajor: 1}
	assert.Equal(t, "h3", negotiate(resp))

	resp2 := &http.Response{Header: http.Header{}, ProtoMajor: 2}
	assert.Equal(t, "h2", negotiate(resp2))

	resp3 := &http.Response{Header: http.Header{}, ProtoMajor: 1}
	assert.Equal(t, "http/1.1", negotiate(resp3))
}
