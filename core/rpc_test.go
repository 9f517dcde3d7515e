package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intel-go/fastjson"
	"github.com/osamingo/jsonrpc/v2"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func rpcPost(t *testing.T, url string, method string, params string) rpcReply {
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

func TestRpcBaseCmds(t *testing.T) {
	tctx := NewThreadCtx(false, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tctx.MainLoop(ctx)

	rpc, err := NewJsonRpc(tctx)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(rpc.Handler())
	defer srv.Close()

	r := rpcPost(t, srv.URL, "get_version", "{}")
	if r.Error != nil {
		t.Fatalf("get_version %+v", r.Error)
	}
	var ver ApiGetVersionResult
	if err := json.Unmarshal(r.Result, &ver); err != nil {
		t.Fatal(err)
	}
	if ver.Mode != "tap" || ver.Version != BuildVersion {
		t.Fatalf("version %+v", ver)
	}

	r = rpcPost(t, srv.URL, "ctx_get_cnt", `{"meta":true,"zero":true}`)
	if r.Error != nil {
		t.Fatalf("ctx_get_cnt %+v", r.Error)
	}
	var cnt map[string]interface{}
	if err := json.Unmarshal(r.Result, &cnt); err != nil {
		t.Fatal(err)
	}
	if _, ok := cnt["mbuf"]; !ok {
		t.Fatalf("missing mbuf counters %v", cnt)
	}

	r = rpcPost(t, srv.URL, "ctx_get_cnt", `{"mask":"bad"}`)
	if r.Error == nil {
		t.Fatalf("expected an error")
	}
}

func TestRpcError(t *testing.T) {
	e := RpcError(fmt.Errorf("route: %w", ErrInvalidParameter))
	if e.Code != -32602 {
		t.Fatalf("code %d", e.Code)
	}
	e = RpcError(errors.New("other"))
	if e.Code != -32600 {
		t.Fatalf("code %d", e.Code)
	}
}

type slowApi struct {
	ran int32
}

func (o *slowApi) ServeApi(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	atomic.AddInt32(&o.ran, 1)
	return "late", nil
}

func TestRpcCallTimeout(t *testing.T) {
	tctx := NewThreadCtx(false, 0)
	api := &slowApi{}
	h := loopHandler{tctx, api}

	/* the loop is not running, the call waits in the post channel */
	c, cancelCall := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelCall()
	res, rerr := h.ServeJSONRPC(c, nil)
	if res != nil || rerr == nil {
		t.Fatalf("res %v err %+v", res, rerr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tctx.MainLoop(ctx)
	if err := tctx.Call(ctx, func() {}); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&api.ran) != 1 {
		t.Fatalf("the late call ran %d times", api.ran)
	}

	res, rerr = h.ServeJSONRPC(context.Background(), nil)
	if rerr != nil || res != "late" {
		t.Fatalf("res %v err %+v", res, rerr)
	}
}
