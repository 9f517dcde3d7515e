// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/intel-go/fastjson"
	"github.com/osamingo/jsonrpc/v2"
)

const rPC_CALL_TIMEOUT = 5 * time.Second

// ApiHandler a management command, runs on the thread of tctx
type ApiHandler interface {
	ServeApi(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error)
}

// ApiHandlerFunc adapter for plain functions
type ApiHandlerFunc func(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error)

func (f ApiHandlerFunc) ServeApi(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	return f(tctx, params)
}

type cRpcMethodRec struct {
	method string
	h      ApiHandler
	params interface{}
	result interface{}
}

var method_repo []cRpcMethodRec = make([]cRpcMethodRec, 0)

// RegisterCB register a method, called from the init of the plugins
func RegisterCB(method string, h ApiHandler, params interface{}, result interface{}) {
	method_repo = append(method_repo, cRpcMethodRec{method, h, params, result})
}

// RpcError map a stack error to a json-rpc error
func RpcError(err error) *jsonrpc.Error {
	code := jsonrpc.ErrorCodeInvalidRequest
	if errors.Is(err, ErrInvalidParameter) {
		code = jsonrpc.ErrorCodeInvalidParams
	}
	return &jsonrpc.Error{
		Code:    code,
		Message: err.Error(),
	}
}

// handler that moves the call onto the thread
type loopHandler struct {
	tctx *CThreadCtx
	h    ApiHandler
}

type apiResult struct {
	res  interface{}
	rerr *jsonrpc.Error
}

func (o loopHandler) ServeJSONRPC(c context.Context, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	p := params
	if p == nil {
		empty := fastjson.RawMessage("{}")
		p = &empty
	}
	ctx, cancel := context.WithTimeout(c, rPC_CALL_TIMEOUT)
	defer cancel()
	/* buffered, a call that timed out still runs later on the loop */
	ch := make(chan apiResult, 1)
	err := o.tctx.Call(ctx, func() {
		res, rerr := o.h.ServeApi(o.tctx, p)
		ch <- apiResult{res, rerr}
	})
	if err != nil {
		return nil, RpcError(err)
	}
	r := <-ch
	return r.res, r.rerr
}

// CJsonRPC2 json-rpc 2.0 over http
type CJsonRPC2 struct {
	tctx   *CThreadCtx
	mr     *jsonrpc.MethodRepository
	server *http.Server
	ln     net.Listener
}

// NewJsonRpc build the method repository from the registered methods
func NewJsonRpc(tctx *CThreadCtx) (*CJsonRPC2, error) {
	o := &CJsonRPC2{tctx: tctx, mr: jsonrpc.NewMethodRepository()}
	for _, rec := range method_repo {
		if err := o.mr.RegisterMethod(rec.method, loopHandler{tctx, rec.h}, rec.params, rec.result); err != nil {
			return nil, fmt.Errorf("register %s: %w", rec.method, err)
		}
		log.Debugf("register %s", rec.method)
	}
	return o, nil
}

// Handler the http handler, mounted on /rpc
func (o *CJsonRPC2) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/rpc", o.mr)
	return mux
}

// Listen start serving on addr in a goroutine
func (o *CJsonRPC2) Listen(addr string, extra map[string]http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", o.mr)
	for path, h := range extra {
		mux.Handle(path, h)
	}
	o.ln = ln
	o.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := o.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("rpc server %v", err)
		}
	}()
	log.Infof("rpc server on %s", ln.Addr())
	return nil
}

func (o *CJsonRPC2) Addr() net.Addr {
	if o.ln == nil {
		return nil
	}
	return o.ln.Addr()
}

func (o *CJsonRPC2) Close(ctx context.Context) error {
	if o.server == nil {
		return nil
	}
	return o.server.Shutdown(ctx)
}
