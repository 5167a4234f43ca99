package docker

import (
	"github.com/websoft9/connhub/internal/connector"
)

// Service decorates the host's shared connector service for the Docker
// subsystems. Only the description differs; everything else, connecting
// included, is forwarded to the inner service.
type Service struct {
	*connector.Forwarder
	client *Client
}

func NewService(inner connector.Service, client *Client) *Service {
	return &Service{Forwarder: connector.Forward(inner), client: client}
}

func (s *Service) Description() string {
	return "Docker on " + s.Inner().Description()
}

// Client returns the Docker client the decorated subsystem runs through.
func (s *Service) Client() *Client { return s.client }
