package probe

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

func getProxyFunc() func(*http.Request) (*url.URL, error) {
	proxy := viper.GetString("scanner.proxy")
	if proxy == "" {
		return http.ProxyFromEnvironment
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(proxyURL)
}

// createTransport builds the transport every probe session shares.
// Certificate verification is disabled: scan targets are internal/staging
// hosts with self-signed certs. Pool limits stay generous since a session's
// own semaphore is what actually bounds concurrency.
func createTransport() *http.Transport {
	return &http.Transport{
		Proxy: getProxyFunc(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			Renegotiation:      tls.RenegotiateOnceAsClient,
			InsecureSkipVerify: true,
		},
	}
}

// createHTTPClient builds the client a Session wraps: no cookie jar (the
// session reproduces captured requests verbatim, so an implicit jar would
// contaminate them) and no redirect following (a 3xx is returned to the
// caller as-is).
func createHTTPClient() *http.Client {
	return &http.Client{
		Transport: createTransport(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
