package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator"
	"github.com/intel-go/fastjson"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v2"
)

// AddressConfig a local unicast address of an interface
type AddressConfig struct {
	Address    Ipv6Key `json:"address" yaml:"address"`
	PrefixLen  uint8   `json:"prefix_len" yaml:"prefix_len" validate:"max=128"`
	Deprecated bool    `json:"deprecated" yaml:"deprecated"`
}

type InterfaceConfig struct {
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Tap         string          `json:"tap" yaml:"tap"`
	Mac         MACKey          `json:"mac" yaml:"mac"`
	Mtu         uint32          `json:"mtu" yaml:"mtu" validate:"omitempty,min=1280,max=9216"`
	Promiscuous bool            `json:"promiscuous" yaml:"promiscuous"`
	Addresses   []AddressConfig `json:"addresses" yaml:"addresses" validate:"dive"`
}

type RouteConfig struct {
	Dest      Ipv6Key `json:"dest" yaml:"dest"`
	PrefixLen uint8   `json:"prefix_len" yaml:"prefix_len" validate:"max=128"`
	Gateway   Ipv6Key `json:"gateway" yaml:"gateway"`
}

type GroupConfig struct {
	Interface string  `json:"interface" yaml:"interface" validate:"required"`
	Group     Ipv6Key `json:"group" yaml:"group"`
}

// NeighborConfig a static neighbor
type NeighborConfig struct {
	Interface string  `json:"interface" yaml:"interface" validate:"required"`
	Address   Ipv6Key `json:"address" yaml:"address"`
	Mac       MACKey  `json:"mac" yaml:"mac"`
}

// Ipv6Config tuning of the ipv6 service, zero means default
type Ipv6Config struct {
	MaxReassemblyEntries   uint32 `json:"max_reassembly_entries" yaml:"max_reassembly_entries" validate:"max=65536"`
	DefaultHopLimit        uint8  `json:"default_hop_limit" yaml:"default_hop_limit"`
	UnsolicitedReportSec   uint32 `json:"unsolicited_report_sec" yaml:"unsolicited_report_sec" validate:"max=3600"`
	NeighborRetries        uint32 `json:"neighbor_retries" yaml:"neighbor_retries" validate:"max=16"`
	MaxNeighborPendingPkts uint32 `json:"max_neighbor_pending" yaml:"max_neighbor_pending" validate:"max=1024"`
}

// Config of the emu6 process
type Config struct {
	Verbose    bool              `json:"verbose" yaml:"verbose"`
	Simulator  bool              `json:"simulator" yaml:"simulator"`
	Rpc        string            `json:"rpc" yaml:"rpc"`
	Metrics    string            `json:"metrics" yaml:"metrics"`
	Capture    string            `json:"capture" yaml:"capture"`
	MaxMbufs   uint32            `json:"max_mbufs" yaml:"max_mbufs"`
	Interfaces []InterfaceConfig `json:"interfaces" yaml:"interfaces" validate:"required,min=1,dive"`
	Routes     []RouteConfig     `json:"routes" yaml:"routes" validate:"dive"`
	Groups     []GroupConfig     `json:"groups" yaml:"groups" validate:"dive"`
	Neighbors  []NeighborConfig  `json:"neighbors" yaml:"neighbors" validate:"dive"`
	Ipv6       Ipv6Config        `json:"ipv6" yaml:"ipv6"`
}

const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "verbose":   {"type": "boolean"},
    "simulator": {"type": "boolean"},
    "rpc":       {"type": "string"},
    "metrics":   {"type": "string"},
    "capture":   {"type": "string"},
    "max_mbufs": {"type": "integer", "minimum": 0},
    "interfaces": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "tap":  {"type": "string"},
          "mac":  {"type": "string", "pattern": "^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$"},
          "mtu":  {"type": "integer", "minimum": 1280, "maximum": 9216},
          "promiscuous": {"type": "boolean"},
          "addresses": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["address", "prefix_len"],
              "properties": {
                "address":    {"type": "string"},
                "prefix_len": {"type": "integer", "minimum": 0, "maximum": 128},
                "deprecated": {"type": "boolean"}
              }
            }
          }
        }
      }
    },
    "routes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["dest", "prefix_len"],
        "properties": {
          "dest":       {"type": "string"},
          "prefix_len": {"type": "integer", "minimum": 0, "maximum": 128},
          "gateway":    {"type": "string"}
        }
      }
    },
    "groups": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["interface", "group"],
        "properties": {
          "interface": {"type": "string"},
          "group":     {"type": "string"}
        }
      }
    },
    "neighbors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["interface", "address", "mac"],
        "properties": {
          "interface": {"type": "string"},
          "address":   {"type": "string"},
          "mac":       {"type": "string", "pattern": "^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$"}
        }
      }
    },
    "ipv6": {"type": "object"}
  }
}`

var configSchemaLoader gojsonschema.JSONLoader

// ValidateConfigSchema check a json document against the config schema
func ValidateConfigSchema(raw []byte) error {
	if configSchemaLoader == nil {
		configSchemaLoader = gojsonschema.NewStringLoader(configSchema)
	}
	result, err := gojsonschema.Validate(configSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if !result.Valid() {
		s := ""
		for _, desc := range result.Errors() {
			s += fmt.Sprintf("- %s\n", desc)
		}
		return fmt.Errorf("%w: config schema\n%s", ErrInvalidParameter, s)
	}
	return nil
}

// ParseConfig decode a json or yaml document and validate it
func ParseConfig(raw []byte, isYaml bool) (*Config, error) {
	cfg := new(Config)
	if isYaml {
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	} else {
		if err := ValidateConfigSchema(raw); err != nil {
			return nil, err
		}
		if err := fastjson.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig read the file, .yaml/.yml files are yaml, anything else json
func LoadConfig(name string) (*Config, error) {
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ParseConfig(raw, ext == ".yaml" || ext == ".yml")
}

// Validate struct tags and the rules tags can't express
func (o *Config) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	names := make(map[string]bool)
	for i := range o.Interfaces {
		ifc := &o.Interfaces[i]
		if names[ifc.Name] {
			return fmt.Errorf("%w: interface %s is defined twice", ErrInvalidParameter, ifc.Name)
		}
		names[ifc.Name] = true
		if ifc.Mtu == 0 {
			ifc.Mtu = vETH_DEFAULT_MTU
		}
		if ifc.Mac.IsZero() || ifc.Mac.IsMulticast() {
			return fmt.Errorf("%w: interface %s mac %s is not a unicast mac", ErrInvalidParameter, ifc.Name, ifc.Mac)
		}
		for _, a := range ifc.Addresses {
			if a.Address.IsMulticast() || a.Address.IsUnspecified() || a.Address.IsLoopback() {
				return fmt.Errorf("%w: %s is not a unicast address", ErrInvalidParameter, a.Address)
			}
		}
	}
	for _, r := range o.Routes {
		if r.Gateway.IsMulticast() {
			return fmt.Errorf("%w: gateway %s is multicast", ErrInvalidParameter, r.Gateway)
		}
	}
	for _, g := range o.Groups {
		if !names[g.Interface] {
			return fmt.Errorf("%w: group %s on unknown interface %s", ErrInvalidParameter, g.Group, g.Interface)
		}
		if !g.Group.IsMulticast() {
			return fmt.Errorf("%w: group %s is not multicast", ErrInvalidParameter, g.Group)
		}
	}
	for _, n := range o.Neighbors {
		if !names[n.Interface] {
			return fmt.Errorf("%w: neighbor %s on unknown interface %s", ErrInvalidParameter, n.Address, n.Interface)
		}
		if n.Address.IsMulticast() || n.Address.IsUnspecified() || n.Mac.IsMulticast() {
			return fmt.Errorf("%w: neighbor %s %s", ErrInvalidParameter, n.Address, n.Mac)
		}
	}
	return nil
}
