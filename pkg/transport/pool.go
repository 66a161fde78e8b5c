// Package transport builds the http.Clients used between cluster nodes from named configuration
// sections, so every caller of a given name shares one connection pool.
package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ClientProbe is the name of the client used for node health probes.
const ClientProbe = "probe"

const paramClientTimeout = "client-timeout"

const defaultClientTimeout = 10 * time.Second

// ClientPool creates http.Clients as required, configured from the http-client.<name> section.  A
// name without a section uses http-client.default.
type ClientPool struct {
	config *viper.Viper
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewClientPool(logger logrus.FieldLogger, config *viper.Viper) *ClientPool {
	return &ClientPool{
		logger:  logger,
		clients: map[string]*Client{},
		config:  config,
	}
}

// Get returns the client of the name, creating it on first use.
func (cp *ClientPool) Get(name string) (*Client, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if hc, ok := cp.clients[name]; ok {
		return hc, nil
	}

	hc, err := cp.newClient(name)
	if err != nil {
		return nil, err
	}
	cp.clients[name] = hc
	return hc, nil
}

func (cp *ClientPool) section(name string) *viper.Viper {
	if sub := cp.config.Sub("http-client." + name); sub != nil {
		return sub
	}
	if sub := cp.config.Sub("http-client.default"); sub != nil {
		return sub
	}
	return viper.New()
}

func (cp *ClientPool) newClient(name string) (*Client, error) {
	sub := cp.section(name)
	sub.SetDefault(paramClientTimeout, defaultClientTimeout)

	clientTimeout := sub.GetDuration(paramClientTimeout)
	if clientTimeout < 0 {
		return nil, errors.New(paramClientTimeout + " must not be negative") // 0 = no timeout
	}

	transport, err := newHttpTransport(sub)
	if err != nil {
		return nil, err
	}

	cp.logger.WithFields(logrus.Fields{
		"name":             name,
		paramClientTimeout: clientTimeout,
	}).Info("created client")

	return &Client{
		Name: name,
		Client: &http.Client{
			Transport: transport,
			Timeout:   clientTimeout,
		},
	}, nil
}
