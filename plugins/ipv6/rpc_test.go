package ipv6

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"emu6/core"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func rpcCall(t *testing.T, url string, method string, params string) rpcReply {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"%s","params":%s}`, method, params)
	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var r rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatal(err)
	}
	return r
}

func rpcOk(t *testing.T, url string, method string, params string, res interface{}) {
	t.Helper()
	r := rpcCall(t, url, method, params)
	if r.Error != nil {
		t.Fatalf("%s: %+v", method, r.Error)
	}
	if res != nil {
		if err := json.Unmarshal(r.Result, res); err != nil {
			t.Fatalf("%s: %v", method, err)
		}
	}
}

func TestRpcMethods(t *testing.T) {
	tctx := core.NewThreadCtx(false, 0)
	link := core.NewVethSim(tctx, "eth0", localMac, 1500, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tctx.MainLoop(ctx)

	rpc, err := core.NewJsonRpc(tctx)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(rpc.Handler())
	defer srv.Close()

	if r := rpcCall(t, srv.URL, "ipv6_get_routes", "{}"); r.Error == nil {
		t.Fatalf("no service yet, expected an error")
	}

	var svc *Ip6Service
	var ierr error
	err = tctx.Call(ctx, func() {
		svc = NewService(tctx, core.Ipv6Config{})
		_, ierr = svc.AddInterface(link, &core.InterfaceConfig{
			Name:      "eth0",
			Addresses: []core.AddressConfig{{Address: localAddr, PrefixLen: 64}},
		})
	})
	if err != nil || ierr != nil {
		t.Fatal(err, ierr)
	}
	defer tctx.Call(context.Background(), svc.Delete)

	rpcOk(t, srv.URL, "ipv6_add_route", `{"dest":"2001:db8:1::","prefix_len":48,"gateway":"fe80::1"}`, nil)
	if r := rpcCall(t, srv.URL, "ipv6_add_route", `{"dest":"2001:db8:2::","prefix_len":48,"gateway":"ff02::1"}`); r.Error == nil || r.Error.Code != -32602 {
		t.Fatalf("multicast gateway %+v", r.Error)
	}
	if r := rpcCall(t, srv.URL, "ipv6_add_route", `{"dest":"2001:db8:2::","prefix_len":200}`); r.Error == nil {
		t.Fatalf("prefix length 200 accepted")
	}

	var routes []ApiRoute
	rpcOk(t, srv.URL, "ipv6_get_routes", "{}", &routes)
	found := false
	for _, r := range routes {
		if r.Dest == k("2001:db8:1::") && r.PrefixLen == 48 && r.Gateway == k("fe80::1") {
			found = true
		}
	}
	if !found || len(routes) != 2 {
		t.Fatalf("routes %+v", routes)
	}
	rpcOk(t, srv.URL, "ipv6_del_route", `{"dest":"2001:db8:1::","prefix_len":48}`, nil)
	if r := rpcCall(t, srv.URL, "ipv6_del_route", `{"dest":"2001:db8:1::","prefix_len":48}`); r.Error == nil {
		t.Fatalf("second delete")
	}

	rpcOk(t, srv.URL, "ipv6_mld_join", `{"interface":"eth0","groups":["ff02::1:5"]}`, nil)
	var groups []ApiMldGroup
	rpcOk(t, srv.URL, "ipv6_mld_get", `{"interface":"eth0"}`, &groups)
	found = false
	for _, g := range groups {
		if g.Group == k("ff02::1:5") && g.RefCnt == 1 && g.SendByUs {
			found = true
		}
	}
	if !found {
		t.Fatalf("groups %+v", groups)
	}
	if r := rpcCall(t, srv.URL, "ipv6_mld_join", `{"interface":"eth9","groups":["ff02::1:5"]}`); r.Error == nil || r.Error.Code != -32602 {
		t.Fatalf("unknown interface %+v", r.Error)
	}
	rpcOk(t, srv.URL, "ipv6_mld_leave", `{"interface":"eth0","groups":["ff02::1:5"]}`, nil)

	rpcOk(t, srv.URL, "ipv6_nd_set", `{"interface":"eth0","address":"2001:db8::2","mac":"00:66:77:88:99:aa"}`, nil)
	var nbrs []ApiNeighbor
	rpcOk(t, srv.URL, "ipv6_nd_get", "{}", &nbrs)
	if len(nbrs) != 1 || nbrs[0].Address != peerAddr || nbrs[0].Mac != peerMac || !nbrs[0].Static {
		t.Fatalf("neighbors %+v", nbrs)
	}

	var ifcs []ApiInterface
	rpcOk(t, srv.URL, "ipv6_get_interfaces", "{}", &ifcs)
	if len(ifcs) != 1 || ifcs[0].Name != "eth0" || len(ifcs[0].Addresses) != 2 || ifcs[0].LinkLocal != core.LinkLocalFromMac(localMac) {
		t.Fatalf("interfaces %+v", ifcs)
	}

	var cnt map[string]interface{}
	rpcOk(t, srv.URL, "ipv6_get_cnt", `{"zero":true}`, &cnt)
	for _, name := range []string{"ipv6", "icmpv6", "nd", "reasm", "mld_eth0"} {
		if _, ok := cnt[name]; !ok {
			t.Fatalf("missing %s counters in %v", name, cnt)
		}
	}
}
