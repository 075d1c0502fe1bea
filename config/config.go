// Package config loads the local device's identity and tuning parameters
// from $XDG_CONFIG_HOME/eebus/device.yaml, the way the teacher's
// config/config.go loads its kubeconfig-style context file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"eebus"
)

// Device describes this process's own SPINE device: the identity it
// announces in DetailedDiscoveryData, plus role, port and timing settings
// (§1, §4.8). service.New applies HeartbeatPeriod to the device-information
// entity; Role, Port and PendingTimeout are loaded and saved but not read
// by service.New (the SHIP role follows from node.Accept or node.Connect,
// and pending requests use each remote feature's max response delay).
type Device struct {
	Vendor     string               `yaml:"vendor"`
	Brand      string               `yaml:"brand,omitempty"`
	Model      string               `yaml:"model"`
	Serial     string               `yaml:"serial"`
	DeviceType string               `yaml:"deviceType"`
	FeatureSet eebus.FeatureSetType `yaml:"featureSet"`
	NetworkFeat string              `yaml:"networkFeatureSet,omitempty"`

	Role eebus.Role `yaml:"role"`
	Port int        `yaml:"port"`

	HeartbeatPeriod time.Duration `yaml:"heartbeatPeriod"`
	PendingTimeout  time.Duration `yaml:"pendingTimeout"`
}

// Address builds this device's opaque wire address from its vendor/model/
// serial, per §6's "d:_n:<vendor>_<model>-<serial>" format.
func (d Device) Address() string {
	return eebus.DeviceAddress(d.Vendor, d.Model, d.Serial)
}

// Description projects the configured fields into the DeviceDescription
// shape DetailedDiscoveryData and DestinationListData serve on the wire.
func (d Device) Description() eebus.DeviceDescription {
	return eebus.DeviceDescription{
		Address:     d.Address(),
		Vendor:      d.Vendor,
		Brand:       d.Brand,
		Model:       d.Model,
		Serial:      d.Serial,
		DeviceType:  d.DeviceType,
		FeatureSet:  d.FeatureSet,
		NetworkFeat: d.NetworkFeat,
	}
}

// Path returns the config file location, respecting XDG_CONFIG_HOME and
// falling back to ~/.config/eebus/device.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "eebus", "device.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "eebus", "device.yaml")
}

// Load reads the device config file. A missing file is not an error: it
// returns a zero-value Device, matching the teacher's Load contract.
func Load() (*Device, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Device{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var d Device
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &d, nil
}

// Save writes the device config to disk, creating directories as needed.
func (d *Device) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
