package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

const paramHttpDialerKeepAlive = "dialer-keep-alive"
const paramHttpDialerTimeout = "dialer-timeout"
const paramHttpEnableHttp2 = "enable-http2"
const paramHttpIdleConnectionTimeout = "idle-connection-timeout"
const paramHttpMaxIdleConnections = "max-idle-connections"
const paramHttpMaxIdleConnectionsPerHost = "max-idle-connections-per-host"
const paramHttpTLSHandshakeTimeout = "tls-handshake-timeout"
const paramHttpResponseHeaderTimeout = "response-header-timeout"

const defaultHttpDialerKeepAlive = 30 * time.Second
const defaultHttpDialerTimeout = 5 * time.Second
const defaultHttpEnableHttp2 = false
const defaultHttpIdleConnectionTimeout = 90 * time.Second
const defaultHttpMaxIdleConnections = 50
const defaultHttpMaxIdleConnectionsPerHost = 2
const defaultHttpTLSHandshakeTimeout = 3 * time.Second
const defaultHttpResponseHeaderTimeout = time.Duration(0)

func newHttpTransport(v *viper.Viper) (*http.Transport, error) {
	v.SetDefault(paramHttpDialerKeepAlive, defaultHttpDialerKeepAlive)
	v.SetDefault(paramHttpDialerTimeout, defaultHttpDialerTimeout)
	v.SetDefault(paramHttpEnableHttp2, defaultHttpEnableHttp2)
	v.SetDefault(paramHttpIdleConnectionTimeout, defaultHttpIdleConnectionTimeout)
	v.SetDefault(paramHttpMaxIdleConnections, defaultHttpMaxIdleConnections)
	v.SetDefault(paramHttpMaxIdleConnectionsPerHost, defaultHttpMaxIdleConnectionsPerHost)
	v.SetDefault(paramHttpTLSHandshakeTimeout, defaultHttpTLSHandshakeTimeout)
	v.SetDefault(paramHttpResponseHeaderTimeout, defaultHttpResponseHeaderTimeout)

	dialerKeepAlive := v.GetDuration(paramHttpDialerKeepAlive)
	dialerTimeout := v.GetDuration(paramHttpDialerTimeout)
	idleConnectionTimeout := v.GetDuration(paramHttpIdleConnectionTimeout)
	maxIdleConnections := v.GetInt(paramHttpMaxIdleConnections)
	maxIdleConnectionsPerHost := v.GetInt(paramHttpMaxIdleConnectionsPerHost)
	tlsHandshakeTimeout := v.GetDuration(paramHttpTLSHandshakeTimeout)
	responseHeaderTimeout := v.GetDuration(paramHttpResponseHeaderTimeout)

	if dialerKeepAlive < -1 {
		return nil, errors.New(paramHttpDialerKeepAlive + " must be -1, 0, or positive") // -1 = disabled
	}
	for param, d := range map[string]time.Duration{
		paramHttpDialerTimeout:         dialerTimeout,
		paramHttpIdleConnectionTimeout: idleConnectionTimeout,
		paramHttpTLSHandshakeTimeout:   tlsHandshakeTimeout,
		paramHttpResponseHeaderTimeout: responseHeaderTimeout,
	} {
		if d < 0 {
			return nil, errors.New(param + " must not be negative") // 0 = no timeout
		}
	}
	if maxIdleConnections < 0 || maxIdleConnectionsPerHost < 0 {
		return nil, errors.New("idle connection limits must not be negative") // 0 = no limit
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   dialerTimeout,
			KeepAlive: dialerKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConnections,
		MaxIdleConnsPerHost:   maxIdleConnectionsPerHost,
		IdleConnTimeout:       idleConnectionTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}

	if !v.GetBool(paramHttpEnableHttp2) {
		// A non-nil empty map disables HTTP/2 in the client.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return transport, nil
}
