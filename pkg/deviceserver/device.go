package deviceserver

import (
	"fmt"

	"github.com/google/uuid"

	"microscope/pkg/device"
)

type DeviceInfo struct {
	Name     string `json:"DeviceName"`
	Type     string `json:"DeviceType"`
	Number   int    `json:"DeviceNumber"`
	UniqueID string `json:"UniqueID"`
}

// Device types as they appear in API paths.
const (
	TypeCamera      = "camera"
	TypeLaser       = "laser"
	TypeMirror      = "deformablemirror"
	TypeFilterWheel = "filterwheel"
	TypeDataSource  = "datasource"
	TypeDevice      = "device"
)

// DeviceType classifies dev by the most specific API it supports.
func DeviceType(dev device.Device) string {
	switch dev.(type) {
	case *device.Camera:
		return TypeCamera
	case *device.Laser:
		return TypeLaser
	case *device.DeformableMirror:
		return TypeMirror
	case *device.FilterWheel:
		return TypeFilterWheel
	case device.DataSource:
		return TypeDataSource
	default:
		return TypeDevice
	}
}

type uider interface {
	UID() (string, bool)
}

// uniqueID returns the configured uid, else the hardware uid of a floating
// device, else a stable id derived from the device name and type.
func uniqueID(configured string, dev device.Device) string {
	if configured != "" {
		return configured
	}
	if u, ok := dev.(uider); ok {
		if uid, ok := u.UID(); ok && uid != "" {
			return uid
		}
	}
	name := fmt.Sprintf("%s/%s", DeviceType(dev), dev.Name())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// served is a device registered with a Server.
type served struct {
	dev    device.Device
	number int
	uid    string
}

func (s *served) info() DeviceInfo {
	return DeviceInfo{
		Name:     s.dev.Name(),
		Type:     DeviceType(s.dev),
		Number:   s.number,
		UniqueID: s.uniqueID(),
	}
}

// uniqueID is resolved on each call since floating devices only know their
// uid once initialized.
func (s *served) uniqueID() string {
	return uniqueID(s.uid, s.dev)
}

func (s *served) path() string {
	return fmt.Sprintf("%s/%d", DeviceType(s.dev), s.number)
}
