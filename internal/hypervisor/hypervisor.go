// Package hypervisor defines generated domains on a libvirt host.
package hypervisor

import (
	"fmt"
	"log/slog"

	"libvirt.org/go/libvirt"
)

// Definer pushes domain XML to a hypervisor.
type Definer struct {
	uri    string
	logger *slog.Logger
}

func NewDefiner(uri string, logger *slog.Logger) *Definer {
	return &Definer{
		uri:    uri,
		logger: logger.With(slog.String("component", "hypervisor")),
	}
}

// Define registers the domain with the hypervisor without starting it. The
// connection lives for this one call.
func (d *Definer) Define(domainXML string) error {
	conn, err := libvirt.NewConnect(d.uri)
	if err != nil {
		return fmt.Errorf("could not connect to hypervisor at %s: %w", d.uri, err)
	}
	defer conn.Close()
	d.logger.Debug("connected to hypervisor", slog.String("uri", d.uri))

	domain, err := conn.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("could not define VM from domain XML: %w", err)
	}
	defer domain.Free()

	name, err := domain.GetName()
	if err != nil {
		return fmt.Errorf("could not read defined domain name: %w", err)
	}
	d.logger.Info("defined VM in libvirt", slog.String("vm", name))

	return nil
}
