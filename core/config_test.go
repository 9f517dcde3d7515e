package core

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testYamlConfig = `
verbose: true
simulator: true
interfaces:
  - name: eth0
    mac: "00:00:01:00:00:01"
    mtu: 1280
    addresses:
      - address: "2001:db8::1"
        prefix_len: 64
routes:
  - dest: "::"
    prefix_len: 0
    gateway: "fe80::1"
groups:
  - interface: eth0
    group: "ff05::1:3"
`

const testJsonConfig = `{
  "interfaces": [
    {"name": "eth0", "mac": "00:00:01:00:00:01",
     "addresses": [{"address": "2001:db8::1", "prefix_len": 64}]}
  ],
  "routes": [{"dest": "2001:db8:1::", "prefix_len": 48, "gateway": "fe80::1"}]
}`

func TestConfigYaml(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYamlConfig), true)
	if err != nil {
		t.Fatal(err)
	}
	want := []InterfaceConfig{{
		Name: "eth0",
		Mac:  MACKey{0, 0, 1, 0, 0, 1},
		Mtu:  1280,
		Addresses: []AddressConfig{
			{Address: NewIpv6Key("2001:db8::1"), PrefixLen: 64},
		},
	}}
	if diff := cmp.Diff(want, cfg.Interfaces); diff != "" {
		t.Fatalf("interfaces (-want +got):\n%s", diff)
	}
	if cfg.Routes[0].Gateway != NewIpv6Key("fe80::1") || cfg.Groups[0].Group != NewIpv6Key("ff05::1:3") {
		t.Fatalf("routes/groups %+v %+v", cfg.Routes, cfg.Groups)
	}
}

func TestConfigJson(t *testing.T) {
	cfg, err := ParseConfig([]byte(testJsonConfig), false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Interfaces[0].Mtu != vETH_DEFAULT_MTU {
		t.Fatalf("default mtu %d", cfg.Interfaces[0].Mtu)
	}
	if cfg.Routes[0].PrefixLen != 48 {
		t.Fatalf("routes %+v", cfg.Routes)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		yaml bool
	}{
		{"schema mtu", `{"interfaces":[{"name":"a","mac":"00:00:01:00:00:01","mtu":100}]}`, false},
		{"schema no interfaces", `{"interfaces":[]}`, false},
		{"multicast mac", "interfaces:\n  - name: a\n    mac: \"01:00:5e:00:00:01\"\n", true},
		{"prefix len", "interfaces:\n  - name: a\n    mac: \"00:00:01:00:00:01\"\n    addresses:\n      - address: \"2001:db8::1\"\n        prefix_len: 129\n", true},
		{"group not multicast", "interfaces:\n  - name: a\n    mac: \"00:00:01:00:00:01\"\ngroups:\n  - interface: a\n    group: \"2001:db8::1\"\n", true},
		{"unknown field", "interfaces:\n  - name: a\n    mac: \"00:00:01:00:00:01\"\nfoo: 1\n", true},
	}
	for _, tc := range tests {
		_, err := ParseConfig([]byte(tc.raw), tc.yaml)
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("%s: expected ErrInvalidParameter got %v", tc.name, err)
		}
	}
}
