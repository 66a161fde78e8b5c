package transport

import (
	"net/http"
)

// Client is a holder of an http.Client and the name of its configuration section.
type Client struct {
	Name   string
	Client *http.Client
}
