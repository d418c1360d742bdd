// Package tlsconfig builds mutual-TLS configs for the raft and management
// listeners from PEM files.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// reloadTTL is how long a loaded certificate is reused before the files are
// read again.
const reloadTTL = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. With a
// CA file, clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if err := o.requireClients(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.clientBase()
	if err != nil {
		return nil, err
	}
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerHotReload returns a server tls.Config that re-reads the certificate
// from disk on handshake at most every reloadTTL, so certificates can be
// rotated without a restart. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if err := o.requireClients(cfg); err != nil {
		return nil, err
	}
	r := &reloader{certFile: o.CertFile, keyFile: o.KeyFile}
	if _, err := r.get(); err != nil {
		return nil, err
	}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() }
	return cfg, nil
}

// ClientHotReload is ServerHotReload for the client certificate.
func (o Options) ClientHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.clientBase()
	if err != nil {
		return nil, err
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return cfg, nil
	}
	r := &reloader{certFile: o.CertFile, keyFile: o.KeyFile}
	if _, err := r.get(); err != nil {
		return nil, err
	}
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.get() }
	return cfg, nil
}

func (o Options) requireClients(cfg *tls.Config) error {
	if o.CAFile == "" {
		return nil
	}
	pool, err := loadPool(o.CAFile)
	if err != nil {
		return err
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return nil
}

func (o Options) clientBase() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName, MinVersion: tls.VersionTLS12} //nolint:gosec
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

type reloader struct {
	certFile, keyFile string

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (r *reloader) get() (*tls.Certificate, error) {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.lastLoad) < reloadTTL {
		c := r.cached
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.cached != nil {
			// keep serving the last good pair while files are mid-rotation
			return r.cached, nil
		}
		return nil, err
	}
	r.mu.Lock()
	r.cached, r.lastLoad = &cert, time.Now()
	r.mu.Unlock()
	return &cert, nil
}
