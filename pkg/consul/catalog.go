package consul

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/consul/api"
)

// Instance is one passing instance of a service
type Instance struct {
	Node      string
	ServiceID string
	Address   string
	Port      int
	Tags      []string
}

// HostPort returns "address:port"
func (i Instance) HostPort() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// HealthyInstances lists the instances of service whose checks all pass,
// optionally filtered by tag. The service address falls back to the node's.
func (c *Client) HealthyInstances(ctx context.Context, service, tag string) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entries, _, err := c.api.Health().Service(service, tag, true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to query service %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		var node, address string
		if e.Node != nil {
			node, address = e.Node.Node, e.Node.Address
		}
		if e.Service.Address != "" {
			address = e.Service.Address
		}
		instances = append(instances, Instance{
			Node:      node,
			ServiceID: e.Service.ID,
			Address:   address,
			Port:      e.Service.Port,
			Tags:      e.Service.Tags,
		})
	}
	return instances, nil
}
