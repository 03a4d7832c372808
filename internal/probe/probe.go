// Package probe sends the one ranged GET that establishes a resource's
// size, range support, and metadata before a transfer is planned, and
// builds the HTTP/1.1+HTTP/2 client that probes and range fetches run
// over, plus a standalone HTTP/3 client constructor.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/vfaronov/httpheader"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/stormerr"
)

// NewClient builds the *http.Client a Transfer's probe and fetch
// requests share: proxy-aware (including SOCKS5), HTTP/2-enabled via
// http2.ConfigureTransport, and with TLS verification optionally disabled
// per RuntimeConfig.
func NewClient(rc *config.RuntimeConfig) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	if rc.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if proxyURL := rc.ProxyURL; proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, stormerr.Wrap(stormerr.Config, "parsing proxy url", err)
		}
		if strings.HasPrefix(parsed.Scheme, "socks5") {
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
			if err != nil {
				return nil, stormerr.Wrap(stormerr.Config, "building socks5 dialer", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		} else {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, stormerr.Wrap(stormerr.Config, "configuring http2 transport", err)
	}

	return &http.Client{
		Timeout:   rc.GetRequestTimeout(),
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			if len(via) > 0 {
				for key, vals := range via[0].Header {
					if key == "Range" {
						continue
					}
					req.Header[key] = vals
				}
			}
			return nil
		},
	}, nil
}

// NewHTTP3Client builds a QUIC/HTTP3 client with default QUIC windows.
// Nothing in the engine selects it automatically: negotiate only records
// "h3" in ResourceInfo.NegotiatedProto, and range fetches keep using the
// NewClient client.
func NewHTTP3Client(rc *config.RuntimeConfig) *http.Client {
	return &http.Client{
		Timeout: rc.GetRequestTimeout(),
		Transport: &http3.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: rc.SkipTLSVerify},
		},
	}
}

// Resource is the result of probing one URL: size, range support, naming,
// content type, negotiated protocol, and the round-trip latency of the
// probe request itself (fed straight into the Network Monitor's first RTT
// sample).
type Resource struct {
	Info types.ResourceInfo
	RTT  time.Duration
}

// Probe sends one ranged GET (bytes=0-0) and classifies the response, with
// up to 2 retries and a fallback to a rangeless GET when the server
// rejects the Range header outright (403/405), matching ProbeServer's
// retry shape.
func Probe(ctx context.Context, client *http.Client, rawURL string, rc *config.RuntimeConfig) (*Resource, error) {
	var resp *http.Response
	var rtt time.Duration
	var err error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, rc.GetRequestTimeout())
		// Each attempt's context must outlive this loop iteration: it guards
		// the response body read after Probe leaves this retry loop, so
		// every attempt's cancel is deferred to Probe's return rather than
		// called per-iteration.
		defer cancel()

		req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
		if reqErr != nil {
			return nil, stormerr.Wrap(stormerr.InvalidUrl, "building probe request", reqErr)
		}
		req.Header.Set("Range", "bytes=0-0")
		req.Header.Set("User-Agent", rc.GetUserAgent())

		start := time.Now()
		resp, err = client.Do(req)
		rtt = time.Since(start)

		if err == nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusMethodNotAllowed) {
			_ = resp.Body.Close()
			req2, reqErr := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
			if reqErr != nil {
				return nil, stormerr.Wrap(stormerr.InvalidUrl, "building fallback probe request", reqErr)
			}
			req2.Header.Set("User-Agent", rc.GetUserAgent())
			resp, err = client.Do(req2)
		}

		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, stormerr.Wrap(stormerr.Network, "probe request failed after retries", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	info := types.ResourceInfo{URL: rawURL}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		info.SupportsRange = true
		// Format: "bytes 0-0/12345" or "bytes 0-0/*"
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				if sizeStr := cr[idx+1:]; sizeStr != "*" {
					info.TotalSize, _ = strconv.ParseInt(sizeStr, 10, 64)
				}
			}
		}
	case http.StatusOK:
		info.SupportsRange = resp.Header.Get("Accept-Ranges") == "bytes"
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			info.TotalSize = n
		}
	default:
		return nil, stormerr.NewHTTP(resp.StatusCode, "unexpected probe response")
	}

	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		info.Filename = path.Base(name)
	}
	if info.Filename == "" || info.Filename == "." || info.Filename == "/" {
		if u, err := url.Parse(rawURL); err == nil {
			info.Filename = path.Base(u.Path)
		}
	}
	if info.Filename == "" || info.Filename == "." || info.Filename == "/" {
		info.Filename = "download.bin"
	}

	info.ContentType = resp.Header.Get("Content-Type")
	info.ETag = resp.Header.Get("ETag")
	info.LastModified = resp.Header.Get("Last-Modified")
	info.NegotiatedProto = negotiate(resp)
	info.ConnectionRTT = rtt.Nanoseconds()

	return &Resource{Info: info, RTT: rtt}, nil
}

// negotiate prefers h3 when the server's Alt-Svc header advertises it,
// else falls back to whatever net/http already negotiated (h2 over ALPN,
// else http/1.1). Selection happens once, at probe time.
func negotiate(resp *http.Response) string {
	if alt := resp.Header.Get("Alt-Svc"); alt != "" && strings.Contains(alt, "h3=") {
		return "h3"
	}
	if resp.ProtoMajor == 2 {
		return "h2"
	}
	return "http/1.1"
}

// ProbeAll concurrently probes every candidate URL (a MirrorSet's
// secondary/fallback sources) and returns which ones support range
// requests, grounded in ProbeMirrors's fan-out-and-collect shape.
func ProbeAll(ctx context.Context, client *http.Client, rc *config.RuntimeConfig, urls []string) (valid []string, failures map[string]error) {
	valid = make([]string, 0, len(urls))
	failures = make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, u := range urls {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			res, err := Probe(probeCtx, client, target, rc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[target] = err
				return
			}
			if res.Info.SupportsRange {
				valid = append(valid, target)
			} else {
				failures[target] = stormerr.New(stormerr.RangeNotSupported, "mirror does not support byte ranges")
			}
		}(u)
	}
	wg.Wait()
	return valid, failures
}
