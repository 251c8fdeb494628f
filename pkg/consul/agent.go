package consul

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/consul/api"
)

// RegisterService registers svc with the local agent, replacing any
// registration with the same ID
func (c *Client) RegisterService(ctx context.Context, svc *api.AgentServiceRegistration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.api.Agent().ServiceRegisterOpts(svc, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to register service %s: %w", svc.ID, err)
	}
	c.logger.Debug().Str("service_id", svc.ID).Str("service", svc.Name).Int("port", svc.Port).Msg("Registered service")
	return nil
}

// DeregisterService removes a registration. Unknown IDs are not an error.
func (c *Client) DeregisterService(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := (&api.QueryOptions{}).WithContext(ctx)
	if err := c.api.Agent().ServiceDeregisterOpts(id, opts); err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to deregister service %s: %w", id, err)
	}
	c.logger.Debug().Str("service_id", id).Msg("Deregistered service")
	return nil
}
