//go:build !linux

package core

import "fmt"

type VethTap struct {
	VethSim
}

// NewVethTap tap links are supported only on linux
func NewVethTap(tctx *CThreadCtx, name string, tapname string, mac MACKey, mtu uint32) (*VethTap, error) {
	return nil, fmt.Errorf("%w: tap %s is supported only on linux", ErrNotStarted, tapname)
}

func (o *VethTap) StartRxThread() {
}
