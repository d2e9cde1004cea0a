package services

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/EdoardoFiore/madmin/internal/models"
)

// NetlinkService answers interface questions for the rule surface: the
// available interface names for rule forms, and existence checks used to
// warn about rules bound to interfaces the host does not have.
type NetlinkService struct{}

func NewNetlinkService() *NetlinkService {
	return &NetlinkService{}
}

func (s *NetlinkService) ListInterfaces() ([]models.NetworkInterface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	var interfaces []models.NetworkInterface
	for _, link := range links {
		attrs := link.Attrs()

		iface := models.NetworkInterface{
			Index: attrs.Index,
			Name:  attrs.Name,
			MTU:   attrs.MTU,
			Type:  link.Type(),
		}
		if attrs.HardwareAddr != nil {
			iface.MAC = attrs.HardwareAddr.String()
		}
		if attrs.OperState == netlink.OperUp || attrs.Flags&net.FlagUp != 0 {
			iface.State = "UP"
		} else {
			iface.State = "DOWN"
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err == nil {
			for _, addr := range addrs {
				if addr.IP.To4() != nil {
					iface.IPv4Addrs = append(iface.IPv4Addrs, addr.IPNet.String())
				} else {
					iface.IPv6Addrs = append(iface.IPv6Addrs, addr.IPNet.String())
				}
			}
		}

		interfaces = append(interfaces, iface)
	}

	return interfaces, nil
}

// HasInterface reports whether an interface with the given name exists.
func (s *NetlinkService) HasInterface(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}
