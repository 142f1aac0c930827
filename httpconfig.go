package ttclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/facebookgo/httpcontrol"
	ntlm "github.com/launchdarkly/go-ntlm-proxy-auth"
)

// newHTTPClient creates the HTTP client used for streaming, polling, and event delivery,
// honoring the timeouts and proxy settings in the configuration.
func (c Config) newHTTPClient() *http.Client {
	if c.HTTPClientFactory != nil {
		client := c.HTTPClientFactory(c)
		return &client
	}
	client := NewHTTPClientFactory()(c)
	return &client
}

// newStreamHTTPClient creates the HTTP client used for the streaming connection. Client.Timeout
// isn't just a connect timeout, it will break the connection if a full response isn't received
// within that time (which, with the stream, it never will be), so it must be zero here rather
// than the usual configured default; the same goes for the transport's per-request timeout. The
// dial timeout still applies when connecting, and silence on an established stream is detected
// by the stream's own read timeout.
func (c Config) newStreamHTTPClient() *http.Client {
	client := c.newHTTPClient()
	client.Timeout = 0
	if transport, ok := client.Transport.(*httpcontrol.Transport); ok {
		transport.RequestTimeout = 0
	}
	return client
}

// NewHTTPClientFactory returns the default HTTP client factory used by the SDK. The returned
// factory builds clients with persistent connections, using Config.ConnectTimeout and
// Config.ReadTimeout, and routing through Config.ProxyURL if it is set.
func NewHTTPClientFactory() func(Config) http.Client {
	return func(config Config) http.Client {
		transport := &httpcontrol.Transport{
			RequestTimeout: config.ReadTimeout,
			DialTimeout:    config.ConnectTimeout,
			DialKeepAlive:  1 * time.Minute,
			MaxTries:       3,
		}
		if config.ProxyURL != "" {
			if parsed, err := url.Parse(config.ProxyURL); err == nil {
				transport.Proxy = http.ProxyURL(parsed)
			} else if config.Logger != nil {
				config.Logger.Printf("ERROR: Ignoring invalid proxy URL %q: %+v", config.ProxyURL, err)
			}
		}
		return http.Client{
			Timeout:   config.ReadTimeout,
			Transport: transport,
		}
	}
}

// NewNTLMProxyHTTPClientFactory returns a factory for Config.HTTPClientFactory that causes the
// SDK to use the specified proxy server with NTLM authentication. The username, password, and
// proxy URL are required; domain may be empty.
func NewNTLMProxyHTTPClientFactory(proxyURL, username, password, domain string) (func(Config) http.Client, error) {
	if proxyURL == "" || username == "" || password == "" {
		return nil, fmt.Errorf("ProxyURL, username, and password are required")
	}
	parsedProxyURL, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %+v", proxyURL, err)
	}
	return func(config Config) http.Client {
		dialer := &net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 1 * time.Minute,
		}
		var tlsConfig *tls.Config
		transport := &http.Transport{
			DialContext: ntlm.NewNTLMProxyDialContext(dialer, *parsedProxyURL,
				username, password, domain, tlsConfig),
		}
		return http.Client{
			Timeout:   config.ReadTimeout,
			Transport: transport,
		}
	}, nil
}
