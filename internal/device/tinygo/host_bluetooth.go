//go:build darwin || linux || windows

package tinygo

import (
	"github.com/cornelk/hashmap"
	"github.com/srg/blesession/pkg/device"
	"tinygo.org/x/bluetooth"
)

// bluetoothHost binds host to a tinygo adapter.
type bluetoothHost struct {
	adapter *bluetooth.Adapter
	// addresses of every sighted peripheral, by Address.String()
	addrs *hashmap.Map[string, bluetooth.Address]
}

var openHost = func() (host, error) {
	return &bluetoothHost{
		adapter: bluetooth.DefaultAdapter,
		addrs:   hashmap.New[string, bluetooth.Address](),
	}, nil
}

func (h *bluetoothHost) Enable() error {
	return h.adapter.Enable()
}

func (h *bluetoothHost) Scan(fn func(sighting)) error {
	return h.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		key := r.Address.String()
		h.addrs.Set(key, r.Address)
		fn(sightingFromResult(key, r))
	})
}

func (h *bluetoothHost) StopScan() error {
	return h.adapter.StopScan()
}

func (h *bluetoothHost) Connect(key string) (link, error) {
	addr, ok := h.addrs.Get(key)
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	dev, err := h.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &bluetoothLink{dev: dev}, nil
}

func (h *bluetoothHost) SetConnectHandler(fn func(key string, connected bool)) {
	h.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		fn(d.Address.String(), connected)
	})
}

type bluetoothLink struct {
	dev bluetooth.Device
}

func (l *bluetoothLink) DiscoverServices() ([]remoteService, error) {
	svcs, err := l.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]remoteService, 0, len(svcs))
	for i := range svcs {
		svc := &svcs[i]
		su, err := uuidFromBluetooth(svc.UUID())
		if err != nil {
			continue
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, err
		}
		rs := remoteService{uuid: su}
		for j := range chars {
			c := &chars[j]
			cu, err := uuidFromBluetooth(c.UUID())
			if err != nil {
				continue
			}
			rs.chars = append(rs.chars, remoteCharacteristic{uuid: cu, attr: c})
		}
		out = append(out, rs)
	}
	return out, nil
}

func (l *bluetoothLink) Disconnect() error {
	return l.dev.Disconnect()
}

func uuidFromBluetooth(u bluetooth.UUID) (device.UUID, error) {
	return device.ParseUUID(u.String())
}

// sightingFromResult copies everything the backend keeps out of a scan result.
// tinygo reports no TX power level.
func sightingFromResult(key string, r bluetooth.ScanResult) sighting {
	s := sighting{
		key:  key,
		rssi: r.RSSI,
		name: r.LocalName(),
	}
	for _, u := range r.ServiceUUIDs() {
		if v, err := uuidFromBluetooth(u); err == nil {
			s.services = append(s.services, v)
		}
	}
	for _, m := range r.ManufacturerData() {
		if s.mfg == nil {
			s.mfg = make(map[uint16][]byte)
		}
		s.mfg[m.CompanyID] = append([]byte{}, m.Data...)
	}
	for _, d := range r.ServiceData() {
		v, err := uuidFromBluetooth(d.UUID)
		if err != nil {
			continue
		}
		if s.serviceData == nil {
			s.serviceData = make(map[device.UUID][]byte)
		}
		s.serviceData[v] = append([]byte{}, d.Data...)
	}
	return s
}
