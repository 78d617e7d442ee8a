// Package bluez discovers local Bluetooth adapters through BlueZ over
// the system D-Bus.
package bluez

import (
	"context"
	"errors"
	"sort"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"

	"github.com/risa-org/rfcomm/bdaddr"
)

const (
	service       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	managedObject = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// ErrNoAdapter is returned when no powered adapter is present.
var ErrNoAdapter = errors.New("bluez: no powered adapter")

// Adapter describes one org.bluez.Adapter1 object.
type Adapter struct {
	Path    dbus.ObjectPath
	Address bdaddr.Addr
	Name    string
	Powered bool
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Adapters lists the adapters BlueZ manages, ordered by object path.
func Adapters(conn *dbus.Conn) ([]Adapter, error) {
	var objs managedObjects
	if err := conn.Object(service, "/").Call(managedObject, 0).Store(&objs); err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "bluez-managed-objects"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot list BlueZ objects"),
		)
	}
	return parseAdapters(objs), nil
}

// DefaultAddress returns the address of the first powered adapter on
// the system bus.
func DefaultAddress() (bdaddr.Addr, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return bdaddr.Any, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "bluez-system-bus"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to the system bus"),
		)
	}

	adapters, err := Adapters(conn)
	if err != nil {
		return bdaddr.Any, err
	}
	return firstPowered(adapters)
}

func firstPowered(adapters []Adapter) (bdaddr.Addr, error) {
	for _, a := range adapters {
		if a.Powered {
			return a.Address, nil
		}
	}
	return bdaddr.Any, fault.Wrap(ErrNoAdapter, ftag.With(ftag.NotFound))
}

func parseAdapters(objs managedObjects) []Adapter {
	var adapters []Adapter

	for path, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}

		a := Adapter{Path: path}
		if v, ok := props["Address"].Value().(string); ok {
			addr, err := bdaddr.Parse(v)
			if err != nil {
				continue
			}
			a.Address = addr
		}
		if v, ok := props["Alias"].Value().(string); ok {
			a.Name = v
		} else if v, ok := props["Name"].Value().(string); ok {
			a.Name = v
		}
		if v, ok := props["Powered"].Value().(bool); ok {
			a.Powered = v
		}
		adapters = append(adapters, a)
	}

	sort.Slice(adapters, func(i, j int) bool {
		return adapters[i].Path < adapters[j].Path
	})
	return adapters
}
