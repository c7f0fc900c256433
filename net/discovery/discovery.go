// Package discovery announces and finds responders over multicast DNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
)

const (
	domain          string = "local."
	registerRetries uint64 = 4
	txtService      string = "service="
	txtName         string = "name="
)

// Advertiser publishes one service instance at a time.
type Advertiser struct {
	service string
	log     zerolog.Logger

	mutex  sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser(service string, logPrefix string) *Advertiser {
	return &Advertiser{
		service: service,
		log:     log.With().Str("component", logPrefix).Logger(),
	}
}

// Register announces name on port, retrying with exponential backoff until
// ctx ends or the retries are spent.
func (a *Advertiser) Register(ctx context.Context, name string, port int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.server != nil {
		return fmt.Errorf("already advertising")
	}

	var server *zeroconf.Server
	err := backoff.Retry(
		func() error {
			var err error
			server, err = zeroconf.Register(
				name,
				a.service,
				domain,
				port,
				[]string{
					txtService + message.ServiceUUID.String(),
					txtName + name,
				},
				nil,
			)
			if err != nil {
				a.log.Warn().Err(err).Str("name", name).Msg("register attempt failed")
			}
			return err
		},
		backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), registerRetries),
			ctx,
		),
	)
	if err != nil {
		err = fmt.Errorf("failed to register %s on port %d, err=%w", name, port, err)
		a.log.Error().Err(err).Send()
		return err
	}

	a.server = server
	a.log.Info().Str("name", name).Int("port", port).Str("service", a.service).Msg("advertising")
	return nil
}

func (a *Advertiser) Shutdown() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.log.Info().Msg("advertising stopped")
}

// Browser resolves advertised responders into link discoveries.
type Browser struct {
	service string
	log     zerolog.Logger
}

func NewBrowser(service string, logPrefix string) *Browser {
	return &Browser{
		service: service,
		log:     log.With().Str("component", logPrefix).Logger(),
	}
}

// Browse reports every matching entry to found until ctx ends.
func (b *Browser) Browse(ctx context.Context, found func(link.Discovery)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		err = fmt.Errorf("failed to create resolver, err=%w", err)
		b.log.Error().Err(err).Send()
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			d, ok := toDiscovery(entry)
			if !ok {
				b.log.Debug().Str("instance", entry.Instance).Msg("ignoring entry without service id or address")
				continue
			}
			found(d)
		}
	}()

	err = resolver.Browse(ctx, b.service, domain, entries)
	if err != nil {
		err = fmt.Errorf("failed to browse %s, err=%w", b.service, err)
		b.log.Error().Err(err).Send()
		return err
	}
	b.log.Info().Str("service", b.service).Msg("browsing")
	return nil
}

func toDiscovery(entry *zeroconf.ServiceEntry) (link.Discovery, bool) {
	if len(entry.AddrIPv4) == 0 {
		return link.Discovery{}, false
	}

	matched := false
	name := entry.Instance
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, txtService):
			matched = strings.TrimPrefix(txt, txtService) == message.ServiceUUID.String()
		case strings.HasPrefix(txt, txtName):
			name = strings.TrimPrefix(txt, txtName)
		}
	}
	if !matched {
		return link.Discovery{}, false
	}

	address := net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	return link.Discovery{
		Peer:    address,
		Name:    name,
		Address: address,
	}, true
}
