package deviceserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const discoveryKeyword = "microscopediscovery1"

// DiscoveryResponder answers UDP discovery requests with the port of the
// device API.
type DiscoveryResponder struct {
	addr     string
	port     int
	response string
	logger   log.FieldLogger

	rSock *net.UDPConn
	tSock *net.UDPConn
}

// NewDiscoveryResponder creates a responder listening on addr:port for
// clients looking for the API served on apiPort.
func NewDiscoveryResponder(addr string, port, apiPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: fmt.Sprintf(`{"MicroscopePort": %d}`, apiPort),
		logger:   logger,
	}
}

// Listen binds the sockets. Run calls it when it was not called before.
func (d *DiscoveryResponder) Listen() error {
	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	// Create receive socket
	rSock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}

	// Create a send socket bound to addr and an ephemeral port
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, "0"))
	if err != nil {
		rSock.Close()
		return err
	}

	tSock, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		rSock.Close()
		return fmt.Errorf("cannot bind send socket: %v", err)
	}

	d.rSock, d.tSock = rSock, tSock
	return nil
}

// Addr is the address requests are received on, nil before Listen.
func (d *DiscoveryResponder) Addr() net.Addr {
	if d.rSock == nil {
		return nil
	}
	return d.rSock.LocalAddr()
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	if d.rSock == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}
	defer d.rSock.Close()
	defer d.tSock.Close()

	buf := make([]byte, 1024)

	d.logger.Debugf("Discovery responder started on %s", d.rSock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Set a read deadline to periodically check for context cancellation
			d.rSock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := d.rSock.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr.String())

			if strings.Contains(data, discoveryKeyword) {
				if _, err := d.tSock.WriteToUDP([]byte(d.response), addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}
