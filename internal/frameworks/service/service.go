// Package service defines the unit the HTTP server mounts.
package service

import "net/http"

// Service is an HTTP service mounted under "/"+Prefix(). The server closes
// mounted services in reverse mount order on shutdown.
type Service interface {
	Handler() http.Handler
	Prefix() string
	Close() error
}
