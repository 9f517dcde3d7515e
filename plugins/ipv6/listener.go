package ipv6

/*
  upper layer listeners

  An instance is bound to an interface. It is configured with the protocol it serves,
  joins groups, transmits datagrams with a token and receives packets with receive
  tokens. Packets that arrive while no receive token waits are kept in a bounded queue.
  Completion callbacks run from the deferred queue of the thread.
*/

import (
	"fmt"

	"emu6/core"
)

// Ip6ConfigData configuration of a listener, zero addresses mean any
type Ip6ConfigData struct {
	DefaultProtocol    uint8
	AcceptAnyProtocol  bool
	AcceptIcmpErrors   bool
	AcceptPromiscuous  bool
	StationAddress     core.Ipv6Key
	DestinationAddress core.Ipv6Key
	ReceiveEnabled     bool
	HopLimit           uint8
	TrafficClass       uint8
	FlowLabel          uint32
}

// Ip6TxToken a datagram to transmit. Dst and NextHeader default to the configuration
type Ip6TxToken struct {
	TxToken
	Dst        core.Ipv6Key
	NextHeader uint8
	ExtHdrs    []byte
	Data       []byte
}

// RxToken waits for one packet, Done gets the packet or the error that ended the wait
type RxToken struct {
	Done func(rx *RxData, err error)
}

type instanceStats struct {
	rxPkts     uint64
	rxDropFull uint64
	txPkts     uint64
	txErr      uint64
}

// Ip6Instance an upper layer listener
type Ip6Instance struct {
	svc        *Ip6Service
	ifc        *Ip6Interface
	cfg        Ip6ConfigData
	configured bool
	groups     []core.Ipv6Key
	rxq        []*RxData
	rxTokens   []*RxToken
	txTokens   map[*Ip6TxToken]bool
	stats      instanceStats
}

// NewInstance create an unconfigured listener on ifc
func (o *Ip6Service) NewInstance(ifc *Ip6Interface) (*Ip6Instance, error) {
	if ifc == nil || o.ifcByVif[ifc.vif] != ifc {
		return nil, fmt.Errorf("%w: unknown interface", core.ErrInvalidParameter)
	}
	inst := &Ip6Instance{svc: o, ifc: ifc, txTokens: make(map[*Ip6TxToken]bool)}
	ifc.instances = append(ifc.instances, inst)
	return inst, nil
}

func (o *Ip6Instance) Interface() *Ip6Interface {
	return o.ifc
}

// Config return the configuration, ok is false when the instance is not configured
func (o *Ip6Instance) Config() (Ip6ConfigData, bool) {
	return o.cfg, o.configured
}

// registerProtocol the default protocol is registered with or without AcceptAnyProtocol
func (o *Ip6Instance) registerProtocol() {
	o.svc.protocols[o.cfg.DefaultProtocol]++
}

func (o *Ip6Instance) unregisterProtocol() {
	p := o.cfg.DefaultProtocol
	if o.svc.protocols[p] <= 1 {
		delete(o.svc.protocols, p)
	} else {
		o.svc.protocols[p]--
	}
}

// reset cancel every token, drop the queue and leave the groups
func (o *Ip6Instance) reset() {
	for t := range o.txTokens {
		if t.active {
			o.svc.CancelTx(&t.TxToken)
		}
	}
	o.txTokens = make(map[*Ip6TxToken]bool)
	o.flushRx()
	for _, g := range o.groups {
		o.ifc.mld.Leave(g)
	}
	o.groups = nil
	o.unregisterProtocol()
	o.configured = false
	o.cfg = Ip6ConfigData{}
}

func (o *Ip6Instance) flushRx() {
	for _, rx := range o.rxq {
		rx.Release()
	}
	o.rxq = nil
	tokens := o.rxTokens
	o.rxTokens = nil
	for _, t := range tokens {
		o.completeRx(t, nil, fmt.Errorf("%w: receive canceled", core.ErrAborted))
	}
}

// Configure apply cfg, nil resets the instance to the unconfigured state
func (o *Ip6Instance) Configure(cfg *Ip6ConfigData) error {
	if cfg == nil {
		if o.configured {
			o.reset()
		}
		return nil
	}
	if cfg.StationAddress.IsMulticast() {
		return fmt.Errorf("%w: station address %s", core.ErrInvalidParameter, cfg.StationAddress)
	}
	if !cfg.StationAddress.IsUnspecified() && !o.ifc.IsLocal(&cfg.StationAddress) {
		return fmt.Errorf("%w: %s is not an address of %s", core.ErrNoMapping, cfg.StationAddress, o.ifc.Name)
	}
	if o.configured {
		o.unregisterProtocol()
	}
	o.cfg = *cfg
	o.configured = true
	o.registerProtocol()
	log.Debugf("%s: listener protocol %d any %v", o.ifc.Name, cfg.DefaultProtocol, cfg.AcceptAnyProtocol)
	return nil
}

// Groups join or leave a multicast group, leave with a nil addr leaves every group
func (o *Ip6Instance) Groups(join bool, addr *core.Ipv6Key) error {
	if !o.configured {
		return fmt.Errorf("%w: instance is not configured", core.ErrNotStarted)
	}
	if addr == nil {
		if join {
			return fmt.Errorf("%w: no group", core.ErrInvalidParameter)
		}
		for _, g := range o.groups {
			o.ifc.mld.Leave(g)
		}
		o.groups = nil
		return nil
	}
	if !addr.IsMulticast() {
		return fmt.Errorf("%w: %s is not multicast", core.ErrInvalidParameter, *addr)
	}
	idx := -1
	for i, g := range o.groups {
		if g == *addr {
			idx = i
			break
		}
	}
	if join {
		if idx >= 0 {
			return fmt.Errorf("%w: group %s", core.ErrAlreadyExists, *addr)
		}
		if err := o.ifc.mld.Join(*addr); err != nil {
			return err
		}
		o.groups = append(o.groups, *addr)
		return nil
	}
	if idx < 0 {
		return fmt.Errorf("%w: group %s", core.ErrNotFound, *addr)
	}
	o.groups = append(o.groups[:idx], o.groups[idx+1:]...)
	return o.ifc.mld.Leave(*addr)
}

func (o *Ip6Instance) isMember(addr *core.Ipv6Key) bool {
	if *addr == core.Ipv6AllNodes {
		return true
	}
	for _, g := range o.groups {
		if g == *addr {
			return true
		}
	}
	return false
}

// Transmit send the datagram of token, token.Done runs when it was handed to the link
func (o *Ip6Instance) Transmit(token *Ip6TxToken) error {
	if !o.configured {
		return fmt.Errorf("%w: instance is not configured", core.ErrNotStarted)
	}
	if token == nil {
		return fmt.Errorf("%w: no token", core.ErrInvalidParameter)
	}
	if o.txTokens[token] {
		return fmt.Errorf("%w: token is in use", core.ErrAccessDenied)
	}
	dst := token.Dst
	if dst.IsUnspecified() {
		dst = o.cfg.DestinationAddress
	}
	if dst.IsUnspecified() {
		return fmt.Errorf("%w: no destination", core.ErrInvalidParameter)
	}
	nh := token.NextHeader
	if nh == 0 && len(token.ExtHdrs) == 0 {
		nh = o.cfg.DefaultProtocol
	}
	hdr := Ip6Header{
		TrafficClass: o.cfg.TrafficClass,
		FlowLabel:    o.cfg.FlowLabel,
		NextHeader:   nh,
		HopLimit:     o.cfg.HopLimit,
		Src:          o.cfg.StationAddress,
		Dst:          dst,
	}

	done := token.Done
	token.Done = func(err error) {
		delete(o.txTokens, token)
		token.Done = done
		if done != nil {
			done(err)
		}
	}
	o.txTokens[token] = true
	if err := o.svc.Output(o.ifc, &hdr, token.ExtHdrs, token.Data, &token.TxToken); err != nil {
		delete(o.txTokens, token)
		token.Done = done
		o.stats.txErr++
		return err
	}
	o.stats.txPkts++
	return nil
}

// Receive queue a receive token, a queued packet completes it at once
func (o *Ip6Instance) Receive(token *RxToken) error {
	if !o.configured {
		return fmt.Errorf("%w: instance is not configured", core.ErrNotStarted)
	}
	if token == nil {
		return fmt.Errorf("%w: no token", core.ErrInvalidParameter)
	}
	for _, t := range o.rxTokens {
		if t == token {
			return fmt.Errorf("%w: token is in use", core.ErrAccessDenied)
		}
	}
	o.rxTokens = append(o.rxTokens, token)
	o.dispatch()
	return nil
}

// Cancel a transmit (*Ip6TxToken) or receive (*RxToken) token, nil cancels all of them
func (o *Ip6Instance) Cancel(token interface{}) error {
	switch t := token.(type) {
	case nil:
		for tx := range o.txTokens {
			if tx.active {
				o.svc.CancelTx(&tx.TxToken)
			}
		}
		tokens := o.rxTokens
		o.rxTokens = nil
		for _, rt := range tokens {
			o.completeRx(rt, nil, fmt.Errorf("%w: receive canceled", core.ErrAborted))
		}
		return nil
	case *Ip6TxToken:
		if !o.txTokens[t] {
			return fmt.Errorf("%w: token", core.ErrNotFound)
		}
		return o.svc.CancelTx(&t.TxToken)
	case *RxToken:
		for i, rt := range o.rxTokens {
			if rt == t {
				o.rxTokens = append(o.rxTokens[:i], o.rxTokens[i+1:]...)
				o.completeRx(t, nil, fmt.Errorf("%w: receive canceled", core.ErrAborted))
				return nil
			}
		}
		return fmt.Errorf("%w: token", core.ErrNotFound)
	}
	return fmt.Errorf("%w: token type %T", core.ErrInvalidParameter, token)
}

// Poll match queued packets to waiting receive tokens, return the packets left in the queue
func (o *Ip6Instance) Poll() int {
	o.dispatch()
	return len(o.rxq)
}

// Destroy reset the instance and remove it from the interface
func (o *Ip6Instance) Destroy() {
	if o.configured {
		o.reset()
	}
	for i, inst := range o.ifc.instances {
		if inst == o {
			o.ifc.instances = append(o.ifc.instances[:i], o.ifc.instances[i+1:]...)
			break
		}
	}
}

/*
accepts tells if the instance wants the packet

 1. the instance is configured with receive enabled
 2. promiscuous packets only with AcceptPromiscuous, multicast for its groups or
    when the station address is unspecified
 3. the station and destination addresses match when set
 4. the protocol is the default one or any protocol is accepted, an icmp error is
    accepted by AcceptIcmpErrors when the invoking packet carried the default protocol
*/
func (o *Ip6Instance) accepts(hdr *Ip6Header, info *ExtHdrInfo, upper []byte, cast castType) bool {
	if !o.configured || !o.cfg.ReceiveEnabled {
		return false
	}
	switch cast {
	case CAST_PROMISCUOUS:
		if !o.cfg.AcceptPromiscuous {
			return false
		}
	case CAST_MULTICAST:
		if !o.cfg.StationAddress.IsUnspecified() && !o.isMember(&hdr.Dst) {
			return false
		}
	case CAST_UNICAST:
		if !o.cfg.StationAddress.IsUnspecified() && o.cfg.StationAddress != hdr.Dst {
			return false
		}
	}
	if !o.cfg.DestinationAddress.IsUnspecified() && o.cfg.DestinationAddress != hdr.Src {
		return false
	}
	if o.cfg.AcceptAnyProtocol || info.LastHeader == o.cfg.DefaultProtocol {
		return true
	}
	if o.cfg.AcceptIcmpErrors && info.LastHeader == IP6_ICMP && len(upper) > 0 && isIcmpError(upper[0]) {
		if proto, ok := icmpInvokingProtocol(upper); ok && proto == o.cfg.DefaultProtocol {
			return true
		}
	}
	return false
}

func (o *Ip6Instance) completeRx(t *RxToken, rx *RxData, err error) {
	if t.Done == nil {
		if rx != nil {
			rx.Release()
		}
		return
	}
	done := t.Done
	o.svc.tctx.QueueDpc(func() { done(rx, err) })
}

// deliver take ownership of rx
func (o *Ip6Instance) deliver(rx *RxData) {
	if len(o.rxq) >= IP6_INSTANCE_RX_QUEUE {
		o.stats.rxDropFull++
		rx.Release()
		return
	}
	o.stats.rxPkts++
	o.rxq = append(o.rxq, rx)
	o.dispatch()
}

func (o *Ip6Instance) dispatch() {
	for len(o.rxq) > 0 && len(o.rxTokens) > 0 {
		rx := o.rxq[0]
		o.rxq[0] = nil
		o.rxq = o.rxq[1:]
		t := o.rxTokens[0]
		o.rxTokens[0] = nil
		o.rxTokens = o.rxTokens[1:]
		o.completeRx(t, rx, nil)
	}
}

// ApiInstance listener as returned by the rpc
type ApiInstance struct {
	Interface      string         `json:"interface"`
	Configured     bool           `json:"configured"`
	Protocol       uint8          `json:"protocol"`
	AnyProtocol    bool           `json:"any_protocol"`
	ReceiveEnabled bool           `json:"receive_enabled"`
	Groups         []core.Ipv6Key `json:"groups"`
	RxQueue        int            `json:"rx_queue"`
	RxPkts         uint64         `json:"rx_pkts"`
	RxDropFull     uint64         `json:"rx_drop_full"`
	TxPkts         uint64         `json:"tx_pkts"`
	TxErr          uint64         `json:"tx_err"`
}

func (o *Ip6Instance) api() ApiInstance {
	return ApiInstance{
		Interface:      o.ifc.Name,
		Configured:     o.configured,
		Protocol:       o.cfg.DefaultProtocol,
		AnyProtocol:    o.cfg.AcceptAnyProtocol,
		ReceiveEnabled: o.cfg.ReceiveEnabled,
		Groups:         append([]core.Ipv6Key(nil), o.groups...),
		RxQueue:        len(o.rxq),
		RxPkts:         o.stats.rxPkts,
		RxDropFull:     o.stats.rxDropFull,
		TxPkts:         o.stats.txPkts,
		TxErr:          o.stats.txErr,
	}
}
