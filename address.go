package eebus

import (
	"fmt"
	"strings"
)

// SKI is the hex-encoded SHA-1 subject key identifier of a peer's TLS
// certificate public key. It is the stable identity of a device.
type SKI string

// EntityPath is the ordered sequence of entity ids addressing an entity
// within a device. Entity [0] is always the device-information entity.
type EntityPath []uint

// String renders the path as "[0.1]" for logging.
func (p EntityPath) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteByte(']')
	return b.String()
}

// Equal reports structural, order-sensitive equality.
func (p EntityPath) Equal(other EntityPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the path.
func (p EntityPath) Clone() EntityPath {
	out := make(EntityPath, len(p))
	copy(out, p)
	return out
}

// FeatureAddress is the (device, entity-path, feature-id) address triple
// that identifies every addressable feature in SPINE. Comparison is
// structural and order-sensitive on the entity path.
type FeatureAddress struct {
	Device    string
	Entity    EntityPath
	FeatureID uint
}

// Equal reports whether two addresses refer to the same feature.
func (a FeatureAddress) Equal(b FeatureAddress) bool {
	return a.Device == b.Device && a.FeatureID == b.FeatureID && a.Entity.Equal(b.Entity)
}

// String renders the address for logs: "d:_n:demo_demo-0001[0]/0".
func (a FeatureAddress) String() string {
	return fmt.Sprintf("%s%s/%d", a.Device, a.Entity, a.FeatureID)
}

// Key returns a value usable as a map key, since EntityPath (a slice) is
// not itself comparable.
func (a FeatureAddress) Key() string {
	return fmt.Sprintf("%s|%s|%d", a.Device, a.Entity, a.FeatureID)
}

// FeatureSetType is the device-level capability category from §3.
type FeatureSetType string

const (
	FeatureSetGateway FeatureSetType = "gateway"
	FeatureSetRouter  FeatureSetType = "router"
	FeatureSetSmart   FeatureSetType = "smart"
	FeatureSetSimple  FeatureSetType = "simple"
)

// Role is the SHIP connection role: which side opened the TCP connection.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// FeatureRole is the SPINE feature role from §3.
type FeatureRole string

const (
	FeatureRoleClient  FeatureRole = "client"
	FeatureRoleServer  FeatureRole = "server"
	FeatureRoleSpecial FeatureRole = "special"
)

// EntityType enumerates the statically-known SPINE entity types named in §3.
type EntityType string

const (
	EntityTypeDeviceInformation EntityType = "DeviceInformation"
	EntityTypeCEM               EntityType = "CEM"
	EntityTypeGridGuard         EntityType = "GridGuard"
	EntityTypeEV                EntityType = "EV"
)

// FeatureType enumerates the statically-known SPINE feature types named in §3.
type FeatureType string

const (
	FeatureTypeNodeManagement       FeatureType = "NodeManagement"
	FeatureTypeDeviceDiagnosis      FeatureType = "DeviceDiagnosis"
	FeatureTypeLoadControl          FeatureType = "LoadControl"
	FeatureTypeMeasurement          FeatureType = "Measurement"
	FeatureTypeElectricalConnection FeatureType = "ElectricalConnection"
	FeatureTypeDeviceConfiguration  FeatureType = "DeviceConfiguration"
)

// CmdClassifier is the SPINE datagram command classifier from §6.
type CmdClassifier string

const (
	CmdRead   CmdClassifier = "read"
	CmdReply  CmdClassifier = "reply"
	CmdNotify CmdClassifier = "notify"
	CmdWrite  CmdClassifier = "write"
	CmdCall   CmdClassifier = "call"
	CmdResult CmdClassifier = "result"
)

// DeviceDescription is the vendor/model identity of a device, used both in
// DetailedDiscoveryData replies and in DestinationListData rows (§12 of
// SPEC_FULL.md).
type DeviceDescription struct {
	Address     string
	Vendor      string
	Brand       string
	Model       string
	Serial      string
	DeviceType  string
	FeatureSet  FeatureSetType
	NetworkFeat string // network feature set, e.g. "SHIP"
}

// DeviceAddress builds the opaque device address string defined in §6:
// "d:_n:<vendor>_<model>-<serial>".
func DeviceAddress(vendor, model, serial string) string {
	return fmt.Sprintf("d:_n:%s_%s-%s", vendor, model, serial)
}
