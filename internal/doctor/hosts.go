package doctor

import (
	"context"
	"fmt"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transport"
)

// HostConnectivityCheck opens a fresh shell session to one host.
type HostConnectivityCheck struct {
	Host *model.Host
	Pool *transport.Pool
}

func (c *HostConnectivityCheck) Name() string     { return "host_" + c.Host.Name }
func (c *HostConnectivityCheck) Category() string { return "HOSTS" }

func (c *HostConnectivityCheck) Run(ctx context.Context) CheckResult {
	target := fmt.Sprintf("%s (%s@%s:%d)", c.Host.Name, c.Host.Username, c.Host.Address, c.Host.Port)
	if c.Host.Connection == nil {
		return fail(c.Host.Name+": no stored credentials", "Run 'fleet hosts add "+c.Host.Name+" --update'.")
	}
	if _, err := c.Pool.AcquireShell(ctx, c.Host, true); err != nil {
		var sugg string
		switch {
		case errors.IsAuth(err):
			sugg = "Update the stored credentials with 'fleet hosts add --update'."
		case errors.IsNetwork(err):
			sugg = c.Host.Name + " may be offline or firewalled."
		}
		return fail(target+": "+errors.Summary(err), sugg)
	}
	defer c.Pool.Release(c.Host)
	if !c.Host.Active {
		return warn(target+" is reachable but inactive", "")
	}
	return pass(target)
}

// NewHostsChecks creates connectivity checks for hosts.
func NewHostsChecks(hosts []model.Host, pool *transport.Pool) []Check {
	checks := make([]Check, 0, len(hosts))
	for i := range hosts {
		checks = append(checks, &HostConnectivityCheck{Host: &hosts[i], Pool: pool})
	}
	return checks
}

// FirstSealed returns any stored sealed secret, for PassphraseCheck.
func FirstSealed(hosts []model.Host) string {
	for _, h := range hosts {
		if h.Connection != nil && h.Connection.EncryptedSecret != "" {
			return h.Connection.EncryptedSecret
		}
	}
	return ""
}
