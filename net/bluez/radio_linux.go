//go:build linux

// Package bluez reports the power state of a BlueZ adapter over D-Bus.
package bluez

import (
	"context"
	"fmt"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/net/link"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
	poweredProp     = "Powered"
)

// Radio follows the Powered property of one adapter.
type Radio struct {
	bus     *dbus.Conn
	path    dbus.ObjectPath
	log     zerolog.Logger
	enabled atomic.Bool
}

var _ link.Radio = (*Radio)(nil)

// NewRadio connects to the system bus; an empty adapter selects the first one found.
func NewRadio(adapter string, logPrefix string) (*Radio, error) {
	logger := log.With().Str("component", logPrefix).Logger()

	bus, err := dbus.SystemBus()
	if err != nil {
		err = fmt.Errorf("bluez: connect system bus: %w", err)
		logger.Error().Err(err).Send()
		return nil, err
	}

	path, err := findAdapter(bus, adapter)
	if err != nil {
		logger.Error().Err(err).Send()
		return nil, err
	}

	r := &Radio{
		bus:  bus,
		path: path,
		log:  logger,
	}

	var v dbus.Variant
	err = bus.Object(bluezService, path).Call(propsIface+".Get", 0, adapterIface, poweredProp).Store(&v)
	if err != nil {
		err = fmt.Errorf("bluez: read %s.%s: %w", path, poweredProp, err)
		logger.Error().Err(err).Send()
		return nil, err
	}
	powered, _ := v.Value().(bool)
	r.enabled.Store(powered)

	logger.Info().Str("adapter", string(path)).Bool("powered", powered).Msg("radio found")
	return r, nil
}

func findAdapter(bus *dbus.Conn, adapter string) (dbus.ObjectPath, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return "", fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	err := call.Store(&objs)
	if err != nil {
		return "", fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}

	var first dbus.ObjectPath
	for path, ifaces := range objs {
		_, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		if adapter == "" {
			if first == "" || path < first {
				first = path
			}
			continue
		}
		if string(path) == adapter || string(path) == "/org/bluez/"+adapter {
			return path, nil
		}
	}

	if first == "" {
		return "", fmt.Errorf("bluez: adapter %q not found", adapter)
	}
	return first, nil
}

func (r *Radio) Enabled() bool {
	return r.enabled.Load()
}

// Watch delivers Powered changes from PropertiesChanged signals until ctx ends.
func (r *Radio) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(r.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	err := r.bus.AddMatchSignal(match...)
	if err != nil {
		r.log.Error().Err(err).Msg("bluez: AddMatchSignal failed, radio changes will not be seen")
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out
	}

	sigCh := make(chan *dbus.Signal, 16)
	r.bus.Signal(sigCh)

	go func() {
		defer close(out)
		defer r.bus.RemoveSignal(sigCh)
		defer r.bus.RemoveMatchSignal(match...)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				powered, ok := r.poweredChange(sig)
				if !ok || r.enabled.Swap(powered) == powered {
					continue
				}
				r.log.Info().Bool("powered", powered).Msg("radio power changed")
				select {
				case out <- powered:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (r *Radio) poweredChange(sig *dbus.Signal) (bool, bool) {
	if sig == nil || sig.Path != r.path || len(sig.Body) < 2 {
		return false, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != adapterIface {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, found := changed[poweredProp]
	if !found {
		return false, false
	}
	powered, ok := v.Value().(bool)
	return powered, ok
}

func (r *Radio) Close() error {
	return r.bus.Close()
}
