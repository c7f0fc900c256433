// Package tcp builds the tcp link endpoints from configuration.
package tcp

import (
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-buzzer/arbiter"
	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/net/discovery"
	tp "github.com/Meander-Cloud/go-buzzer/net/tcp/protocol"
)

const defaultListenAddress string = ":7420"

// Options resolves the transport settings, applying defaults for zero values.
func Options(c *config.Config, address string, logPrefix string) *tcp.Options {
	var tcpKeepAliveInterval time.Duration
	if c.TcpKeepAliveInterval == 0 {
		tcpKeepAliveInterval = config.TcpKeepAliveInterval
	} else {
		tcpKeepAliveInterval = time.Second * time.Duration(c.TcpKeepAliveInterval)
	}

	var tcpKeepAliveCount uint16
	if c.TcpKeepAliveCount == 0 {
		tcpKeepAliveCount = config.TcpKeepAliveCount
	} else {
		tcpKeepAliveCount = c.TcpKeepAliveCount
	}

	var tcpDialTimeout time.Duration
	if c.TcpDialTimeout == 0 {
		tcpDialTimeout = config.TcpDialTimeout
	} else {
		tcpDialTimeout = time.Second * time.Duration(c.TcpDialTimeout)
	}

	var tcpReconnectInterval time.Duration
	if c.TcpReconnectInterval == 0 {
		tcpReconnectInterval = config.TcpReconnectInterval
	} else {
		tcpReconnectInterval = time.Second * time.Duration(c.TcpReconnectInterval)
	}

	var tcpReconnectLogEvery uint32
	if c.TcpReconnectLogEvery == 0 {
		tcpReconnectLogEvery = config.TcpReconnectLogEvery
	} else {
		tcpReconnectLogEvery = c.TcpReconnectLogEvery
	}

	return &tcp.Options{
		Address:           address,
		KeepAliveInterval: tcpKeepAliveInterval,
		KeepAliveCount:    tcpKeepAliveCount,
		DialTimeout:       tcpDialTimeout,
		ReconnectInterval: tcpReconnectInterval,
		ReconnectLogEvery: tcpReconnectLogEvery,
		Protocol:          nil,
		LogPrefix:         logPrefix,
		LogDebug:          c.LogDebug,
	}
}

// NewCentral builds the host side on the session arbiter a; browser may be nil
// to rely on PeerAddressList.
func NewCentral(c *config.Config, a *arbiter.Arbiter, browser *discovery.Browser) (*tp.Central, error) {
	return tp.NewCentral(
		&tp.CentralOptions{
			Options:     Options(c, "", c.GetLogPrefix()+"-central"),
			Arbiter:     a,
			Name:        c.DeviceName,
			Browser:     browser,
			StaticPeers: c.PeerAddressList,
		},
	)
}

// NewPeripheral builds the player side on the session arbiter a; advertiser may be nil.
func NewPeripheral(c *config.Config, a *arbiter.Arbiter, advertiser *discovery.Advertiser) (*tp.Peripheral, error) {
	address := c.ListenAddress
	if address == "" {
		address = defaultListenAddress
	}

	return tp.NewPeripheral(
		&tp.PeripheralOptions{
			Options:            Options(c, address, c.GetLogPrefix()+"-peripheral"),
			Arbiter:            a,
			Advertiser:         advertiser,
			DefaultPayloadSize: c.Timing().DefaultPayloadSize,
		},
	)
}
