package tls

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"go.uber.org/zap"
)

type Config struct {
	Enabled    bool
	SocketPath string
}

// Provider hands out client TLS configs backed by the SPIRE Workload API.
// The broker and Kafka connections share one X509 source; SPIRE rotates the
// certificates underneath it.
type Provider struct {
	source *workloadapi.X509Source
}

func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if !cfg.Enabled {
		logger.Info("TLS is disabled")
		return &Provider{}, nil
	}

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(
			workloadapi.WithAddr(cfg.SocketPath),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create X509Source: %w", err)
	}

	logger.Info("SPIRE TLS configuration loaded",
		zap.String("socket_path", cfg.SocketPath))

	return &Provider{source: source}, nil
}

// ClientConfig returns a mutually-authenticated client config, or nil when
// TLS is disabled.
func (p *Provider) ClientConfig() *tls.Config {
	if p.source == nil {
		return nil
	}
	cfg := tlsconfig.MTLSClientConfig(p.source, p.source, tlsconfig.AuthorizeAny())
	cfg.MinVersion = tls.VersionTLS12
	return cfg
}

func (p *Provider) Close() {
	if p.source != nil {
		p.source.Close()
	}
}
