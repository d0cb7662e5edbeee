package pairing

import (
	"fmt"
	"net"

	qrcode "github.com/skip2/go-qrcode"
)

// FUNCTIONAL DISCOVERY: A UDP "connect" to a non-routable address picks the outbound
// interface without sending a packet, which is the LAN address the phone can reach
const probeAddr = "10.255.255.255:1"

const loopback = "127.0.0.1"

// LocalIP returns the workstation's outbound LAN address, or loopback when the
// host has no route.
func LocalIP() string {
	conn, err := net.Dial("udp", probeAddr)
	if err != nil {
		return loopback
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return loopback
	}
	return addr.IP.String()
}

// URL builds the deep link the mobile client scans, e.g. mbridge://local=192.168.1.4:8080.
func URL(scheme, ip string, port int) string {
	return fmt.Sprintf("%s://local=%s", scheme, net.JoinHostPort(ip, fmt.Sprint(port)))
}

// Link is a pairing deep link and its QR rendering.
type Link struct {
	URL string
	PNG []byte
}

// Generator renders pairing links for the HTTP port the bridge listens on.
type Generator struct {
	scheme string
	port   int
	size   int
}

func NewGenerator(scheme string, port, size int) *Generator {
	return &Generator{scheme: scheme, port: port, size: size}
}

// Generate resolves the local address and encodes the link as a PNG QR code.
// The address is looked up on every call so a workstation that changes networks
// hands out a reachable link.
func (g *Generator) Generate() (*Link, error) {
	return g.GenerateFor(LocalIP())
}

// GenerateFor encodes the link for a known address.
func (g *Generator) GenerateFor(ip string) (*Link, error) {
	url := URL(g.scheme, ip, g.port)

	png, err := qrcode.Encode(url, qrcode.Medium, g.size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pairing QR code: %w", err)
	}

	return &Link{URL: url, PNG: png}, nil
}
