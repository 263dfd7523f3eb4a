// Package forward builds and sends the post-scan backend request: a
// chunked multipart POST whose body streams lazily out of the spool.
package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/omalloc/proxy/selector"
	"github.com/omalloc/proxy/selector/once"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/internal/constants"
	"github.com/omalloc/scangate/pkg/spool"
	xhttp "github.com/omalloc/scangate/pkg/x/http"
)

// ConnInfo describes the inbound connection for the X-Forwarded-*
// header set.
type ConnInfo struct {
	RemoteIP string
	Proto    string
	Host     string
	Port     string
}

type Forwarder struct {
	cfg      *conf.Backend
	selector selector.Selector
	client   *http.Client
}

func New(c *conf.Backend) *Forwarder {
	sel := once.New()
	sel.Apply([]selector.Node{
		selector.NewNode(c.Protocol, c.Authority(), selector.RawMetadata("weight", "1")),
	})

	dialer := &net.Dialer{
		Timeout:   c.SocketTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &Forwarder{
		cfg:      c,
		selector: sel,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableCompression:    true,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends the spooled upload to the backend and returns its
// response. The caller owns resp.Body. No retries happen here; the
// upstream treats the request as a single-use token.
func (f *Forwarder) Forward(ctx context.Context, in *http.Request, sp *spool.Spool, partHeaders []string, info ConnInfo, onRead func(int)) (*http.Response, error) {
	node, done, err := f.selector.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend select: %w", err)
	}

	boundary := newBoundary()
	body := newMultipartBody(boundary, partHeaders, sp, onRead)

	url := fmt.Sprintf("%s://%s%s", node.Scheme(), node.Address(), in.URL.RequestURI())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		done(ctx, selector.DoneInfo{Err: err})
		return nil, fmt.Errorf("backend request: %w", err)
	}

	xhttp.CopyHeadersWithout(req.Header, in.Header,
		"Host", "Content-Length", "Content-Type", "Transfer-Encoding")
	req.Host = node.Address()
	req.ContentLength = -1 // force chunked transfer
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.Header.Set(constants.ForwardedForKey, appendForwarded(in.Header.Get(constants.ForwardedForKey), info.RemoteIP))
	req.Header.Set(constants.RealIPKey, info.RemoteIP)
	req.Header.Set(constants.ForwardedProtoKey, info.Proto)
	req.Header.Set(constants.ForwardedHostKey, info.Host)
	req.Header.Set(constants.ForwardedPortKey, info.Port)

	resp, err := f.client.Do(req)
	done(ctx, selector.DoneInfo{Err: err, BytesSent: true, BytesReceived: err == nil})
	if err != nil {
		return nil, fmt.Errorf("backend forward: %w", err)
	}
	return resp, nil
}

func appendForwarded(existing, remoteIP string) string {
	if existing == "" {
		return remoteIP
	}
	return existing + ", " + remoteIP
}
