package ipv6

import (
	"fmt"

	"emu6/core"

	"github.com/intel-go/fastjson"
	"github.com/osamingo/jsonrpc/v2"
)

type (
	ApiRouteParams struct {
		Dest      core.Ipv6Key `json:"dest"`
		PrefixLen uint8        `json:"prefix_len" validate:"max=128"`
		Gateway   core.Ipv6Key `json:"gateway"`
	}

	ApiDelRouteParams struct {
		Dest      *core.Ipv6Key `json:"dest"`
		PrefixLen uint8         `json:"prefix_len" validate:"max=128"`
		Gateway   *core.Ipv6Key `json:"gateway"`
	}

	ApiGroupParams struct {
		Interface string         `json:"interface" validate:"required"`
		Groups    []core.Ipv6Key `json:"groups" validate:"required"`
	}

	ApiIfcParams struct {
		Interface string `json:"interface" validate:"required"`
	}

	ApiNeighborParams struct {
		Interface string       `json:"interface" validate:"required"`
		Address   core.Ipv6Key `json:"address"`
		Mac       core.MACKey  `json:"mac"`
	}

	ApiInterface struct {
		Name        string           `json:"name"`
		Mac         core.MACKey      `json:"mac"`
		Mtu         uint32           `json:"mtu"`
		LinkLocal   core.Ipv6Key     `json:"link_local"`
		Promiscuous bool             `json:"promiscuous"`
		Addresses   []Ip6AddressInfo `json:"addresses"`
	}
)

func getService(tctx *core.CThreadCtx) (*Ip6Service, *jsonrpc.Error) {
	o := GetService(tctx)
	if o == nil {
		return nil, core.RpcError(fmt.Errorf("%w: ipv6 service", core.ErrNotStarted))
	}
	return o, nil
}

func getInterface(tctx *core.CThreadCtx, name string) (*Ip6Interface, *jsonrpc.Error) {
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	ifc := o.InterfaceByName(name)
	if ifc == nil {
		return nil, core.RpcError(fmt.Errorf("%w: interface %s", core.ErrInvalidParameter, name))
	}
	return ifc, nil
}

func apiAddRoute(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiRouteParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	if _, err := o.AddRoute(p.Dest, p.PrefixLen, p.Gateway); err != nil {
		return nil, core.RpcError(err)
	}
	return nil, nil
}

func apiDelRoute(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiDelRouteParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	if err := o.DeleteRoute(p.Dest, p.PrefixLen, p.Gateway); err != nil {
		return nil, core.RpcError(err)
	}
	return nil, nil
}

func apiGetRoutes(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	return o.routes.Routes(), nil
}

func apiGetCnt(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p core.ApiCntParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	return o.cdbv.GeneralCounters(&p)
}

func apiMldJoin(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiGroupParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	ifc, rerr := getInterface(tctx, p.Interface)
	if rerr != nil {
		return nil, rerr
	}
	for _, g := range p.Groups {
		if err := ifc.JoinGroup(g); err != nil {
			return nil, core.RpcError(err)
		}
	}
	return nil, nil
}

func apiMldLeave(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiGroupParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	ifc, rerr := getInterface(tctx, p.Interface)
	if rerr != nil {
		return nil, rerr
	}
	for _, g := range p.Groups {
		if err := ifc.LeaveGroup(g); err != nil {
			return nil, core.RpcError(err)
		}
	}
	return nil, nil
}

func apiMldGet(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiIfcParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	ifc, rerr := getInterface(tctx, p.Interface)
	if rerr != nil {
		return nil, rerr
	}
	return ifc.Groups(), nil
}

func apiFragGet(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	return o.reasm.Entries(), nil
}

func apiNdGet(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	return o.Neighbors(), nil
}

func apiNdSet(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiNeighborParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, core.RpcError(err)
	}
	ifc, rerr := getInterface(tctx, p.Interface)
	if rerr != nil {
		return nil, rerr
	}
	if err := ifc.svc.AddNeighbor(ifc, p.Address, p.Mac); err != nil {
		return nil, core.RpcError(err)
	}
	return nil, nil
}

func apiGetInterfaces(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	r := make([]ApiInterface, 0, len(o.interfaces))
	for _, ifc := range o.interfaces {
		r = append(r, ApiInterface{
			Name:        ifc.Name,
			Mac:         ifc.Mac(),
			Mtu:         ifc.Mtu(),
			LinkLocal:   ifc.LinkLocal,
			Promiscuous: ifc.Promiscuous,
			Addresses:   ifc.Addresses(),
		})
	}
	return r, nil
}

func apiGetListeners(tctx *core.CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	o, rerr := getService(tctx)
	if rerr != nil {
		return nil, rerr
	}
	return o.Instances(), nil
}

func init() {
	core.RegisterCB("ipv6_add_route", core.ApiHandlerFunc(apiAddRoute), ApiRouteParams{}, nil)
	core.RegisterCB("ipv6_del_route", core.ApiHandlerFunc(apiDelRoute), ApiDelRouteParams{}, nil)
	core.RegisterCB("ipv6_get_routes", core.ApiHandlerFunc(apiGetRoutes), nil, []ApiRoute{})
	core.RegisterCB("ipv6_get_cnt", core.ApiHandlerFunc(apiGetCnt), core.ApiCntParams{}, nil)
	core.RegisterCB("ipv6_mld_join", core.ApiHandlerFunc(apiMldJoin), ApiGroupParams{}, nil)
	core.RegisterCB("ipv6_mld_leave", core.ApiHandlerFunc(apiMldLeave), ApiGroupParams{}, nil)
	core.RegisterCB("ipv6_mld_get", core.ApiHandlerFunc(apiMldGet), ApiIfcParams{}, []ApiMldGroup{})
	core.RegisterCB("ipv6_frag_get", core.ApiHandlerFunc(apiFragGet), nil, []ApiFragEntry{})
	core.RegisterCB("ipv6_nd_get", core.ApiHandlerFunc(apiNdGet), nil, []ApiNeighbor{})
	core.RegisterCB("ipv6_nd_set", core.ApiHandlerFunc(apiNdSet), ApiNeighborParams{}, nil)
	core.RegisterCB("ipv6_get_interfaces", core.ApiHandlerFunc(apiGetInterfaces), nil, []ApiInterface{})
	core.RegisterCB("ipv6_get_listeners", core.ApiHandlerFunc(apiGetListeners), nil, []ApiInstance{})
}
