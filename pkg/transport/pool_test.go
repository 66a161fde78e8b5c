package transport

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore/internal/fixtures"
)

func TestGetWithoutConfiguration(t *testing.T) {
	t.Parallel()

	p := NewClientPool(fixtures.NewTestLogger(t), viper.New())
	c, err := p.Get(ClientProbe)
	require.NoError(t, err)
	require.Equal(t, ClientProbe, c.Name)
	require.Equal(t, defaultClientTimeout, c.Client.Timeout)
}

func TestGetReusesClient(t *testing.T) {
	t.Parallel()

	p := NewClientPool(fixtures.NewTestLogger(t), viper.New())
	c1, err := p.Get(ClientProbe)
	require.NoError(t, err)
	c2, err := p.Get(ClientProbe)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	c3, err := p.Get("other")
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
}

func TestGetFallsBackToDefaultSection(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("http-client.default.client-timeout", 3*time.Second)
	v.Set("http-client.probe.client-timeout", 1*time.Second)
	p := NewClientPool(fixtures.NewTestLogger(t), v)

	c, err := p.Get(ClientProbe)
	require.NoError(t, err)
	require.Equal(t, time.Second, c.Client.Timeout)

	c, err = p.Get("other")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, c.Client.Timeout)
}

func TestGetEnforceRanges(t *testing.T) {
	t.Parallel()
	for _, config := range []struct {
		param string
		value interface{}
		valid bool
	}{
		{paramClientTimeout, -1 * time.Second, false},
		{paramClientTimeout, 0 * time.Second, true},
		{paramHttpDialerKeepAlive, -2 * time.Second, false},
		{paramHttpDialerKeepAlive, 0 * time.Second, true},
		{paramHttpDialerTimeout, -1 * time.Second, false},
		{paramHttpDialerTimeout, 1 * time.Second, true},
		{paramHttpEnableHttp2, true, true},
		{paramHttpIdleConnectionTimeout, -1 * time.Second, false},
		{paramHttpMaxIdleConnections, -1, false},
		{paramHttpMaxIdleConnections, 0, true},
		{paramHttpMaxIdleConnectionsPerHost, -1, false},
		{paramHttpTLSHandshakeTimeout, -1 * time.Second, false},
		{paramHttpResponseHeaderTimeout, -1 * time.Second, false},
		{paramHttpResponseHeaderTimeout, 1 * time.Second, true},
	} {
		v := viper.New()
		v.Set("http-client.test."+config.param, config.value)
		p := NewClientPool(fixtures.NewTestLogger(t), v)
		c, err := p.Get("test")
		if config.valid {
			require.NoError(t, err, "param: %s, value: %#v", config.param, config.value)
			require.NotNil(t, c, "param: %s, value: %#v", config.param, config.value)
		} else {
			require.Error(t, err, "param: %s, value: %#v", config.param, config.value)
			require.Nil(t, c, "param: %s, value: %#v", config.param, config.value)
		}
	}
}
