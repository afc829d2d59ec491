package api

import (
	"context"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/crypto"
	"github.com/sonde-dev/sonde/pkg/store"
)

const (
	caCertSettingKey = "agent_ca_cert"
	caKeySettingKey  = "agent_ca_key"
)

// hubCA loads the agent CA, generating and persisting one on first use.
// The private key is stored sealed.
func (s *Server) hubCA(ctx context.Context) (*crypto.CA, error) {
	s.caMu.Lock()
	defer s.caMu.Unlock()
	if s.ca != nil {
		return s.ca, nil
	}

	certPEM, err := s.deps.Store.GetSecretSetting(ctx, caCertSettingKey)
	if err == nil {
		keyPEM, kerr := s.deps.Store.GetSecretSetting(ctx, caKeySettingKey)
		if kerr != nil {
			return nil, kerr
		}
		ca, lerr := crypto.LoadCA(certPEM, keyPEM)
		if lerr != nil {
			return nil, lerr
		}
		s.ca = ca
		return ca, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ca, err := crypto.NewCA()
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.SetSecretSetting(ctx, caCertSettingKey, ca.CertPEM()); err != nil {
		return nil, err
	}
	if err := s.deps.Store.SetSecretSetting(ctx, caKeySettingKey, ca.KeyPEM()); err != nil {
		return nil, err
	}
	s.logger.Info("Generated agent CA")
	s.ca = ca
	return ca, nil
}

// caCertHandler handles GET /api/v1/ca: the CA certificate agents pin for
// hub TLS and present client certs against.
func (s *Server) caCertHandler(c *echo.Context) error {
	ca, err := s.hubCA(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.Blob(http.StatusOK, "application/x-pem-file", ca.CertPEM())
}

// agentCredentialsHandler handles POST /api/v1/agents/:id/credentials:
// issue a fresh client certificate for the agent. The private key appears
// in this response and is not stored.
func (s *Server) agentCredentialsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	agent, err := s.deps.Store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	ca, err := s.hubCA(ctx)
	if err != nil {
		return mapStoreError(err)
	}
	certPEM, keyPEM, err := ca.IssueAgentCert(agent.Name)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"agent":       agent.Name,
		"ca_cert":     string(ca.CertPEM()),
		"certificate": string(certPEM),
		"private_key": string(keyPEM),
	})
}
