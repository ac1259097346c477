package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"prodflow-access/internal/config"
	"prodflow-access/internal/util"
)

// Manager resolves server certificates: ACME when an autocert host is
// configured, file pairs otherwise, self-signed as the dev fallback.
type Manager struct {
	cfg      config.TLSConfig
	autoCert *autocert.Manager
}

func NewManager(cfg config.TLSConfig) *Manager {
	m := &Manager{cfg: cfg}
	if cfg.Enabled && cfg.AutocertHost != "" {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutocertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.AutocertHost),
		Cache:      autocert.DirCache(m.cfg.AutocertDir),
	}

	util.Info("AutoCert configured",
		zap.String("host", m.cfg.AutocertHost),
		zap.String("cache_dir", m.cfg.AutocertDir))
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
	}

	if m.cfg.DevCert {
		return m.generateSelfSignedCert()
	}
	return nil, fmt.Errorf("no certificate available for %q", hello.ServerName)
}

func (m *Manager) generateSelfSignedCert() (*tls.Certificate, error) {
	generator := NewDevCertGenerator(m.cfg.AutocertDir)
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.cfg.AutocertHost != "" {
		hosts = append([]string{m.cfg.AutocertHost}, hosts...)
	}

	cert, err := generator.GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	util.Info("Generated self-signed certificate", zap.Strings("hosts", hosts))
	return &cert, nil
}

func (m *Manager) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
