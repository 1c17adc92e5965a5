package neighborhood

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// PublicKey identifies a peer. It holds the raw key bytes; two keys are equal
// iff their bytes are equal, so it can be used directly as a map key.
type PublicKey string

func PublicKeyFromBytes(b []byte) PublicKey {
	return PublicKey(b)
}

func ParsePublicKey(s string) (PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty public key")
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", fmt.Errorf("bad public key %q: %w", s, err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("empty public key")
	}
	return PublicKey(b), nil
}

func (k PublicKey) Bytes() []byte {
	return []byte(k)
}

func (k PublicKey) String() string {
	return base64.RawStdEncoding.EncodeToString([]byte(k))
}

func (k PublicKey) IsZero() bool {
	return len(k) == 0
}

// NodeAddr is the network location of a node: one IP and the ports it listens on.
type NodeAddr struct {
	IP    netip.Addr
	Ports []uint16
}

func NewNodeAddr(ip netip.Addr, ports ...uint16) NodeAddr {
	out := make([]uint16, len(ports))
	copy(out, ports)
	return NodeAddr{IP: ip, Ports: out}
}

// ParseNodeAddr accepts "ip:port[,port...]"; IPv6 hosts must be bracketed.
func ParseNodeAddr(s string) (NodeAddr, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return NodeAddr{}, fmt.Errorf("bad node addr %q", s)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[:idx], "["), "]")
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return NodeAddr{}, fmt.Errorf("bad node addr %q: %w", s, err)
	}
	var ports []uint16
	for _, part := range strings.Split(s[idx+1:], ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 16)
		if err != nil || n == 0 {
			return NodeAddr{}, fmt.Errorf("bad port %q in node addr %q", part, s)
		}
		ports = append(ports, uint16(n))
	}
	return NodeAddr{IP: ip.Unmap(), Ports: ports}, nil
}

func (a NodeAddr) String() string {
	ports := make([]string, len(a.Ports))
	for i, p := range a.Ports {
		ports[i] = strconv.Itoa(int(p))
	}
	host := a.IP.String()
	if a.IP.Is6() {
		host = "[" + host + "]"
	}
	return host + ":" + strings.Join(ports, ",")
}

// DialAddr is the host:port of the first listening port, or "" when there is none.
func (a NodeAddr) DialAddr() string {
	if !a.IP.IsValid() || len(a.Ports) == 0 {
		return ""
	}
	return netip.AddrPortFrom(a.IP, a.Ports[0]).String()
}

func (a NodeAddr) Equal(b NodeAddr) bool {
	if a.IP != b.IP || len(a.Ports) != len(b.Ports) {
		return false
	}
	for i := range a.Ports {
		if a.Ports[i] != b.Ports[i] {
			return false
		}
	}
	return true
}

func (a NodeAddr) clone() NodeAddr {
	return NewNodeAddr(a.IP, a.Ports...)
}
