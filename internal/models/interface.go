package models

// NetworkInterface describes a host interface, exposed so rule builders can
// offer valid in_interface/out_interface choices.
type NetworkInterface struct {
	Index     int      `json:"index"`
	Name      string   `json:"name"`
	MAC       string   `json:"mac"`
	MTU       int      `json:"mtu"`
	State     string   `json:"state"`
	Type      string   `json:"type"`
	IPv4Addrs []string `json:"ipv4_addrs"`
	IPv6Addrs []string `json:"ipv6_addrs"`
}
