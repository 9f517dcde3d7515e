// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import (
	"time"

	"github.com/intel-go/fastjson"
	"github.com/osamingo/jsonrpc/v2"
)

type (
	ApiGetVersionHandler struct{}
	ApiGetVersionParams  struct{}
	ApiGetVersionResult  struct {
		Version   string `json:"version"`
		Builddate string `json:"build_date"`
		Buildtime string `json:"build_time"`
		Buildby   string `json:"built_by"`
		Mode      string `json:"mode"`
	}

	ApiPingHandler struct{}
	ApiPingParams  struct{}
	ApiPingResult  struct {
		Timestamp float64 `json:"ts"`
	}

	ApiCntHandler struct{}
)

func (h ApiGetVersionHandler) ServeApi(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	mode := "tap"
	if tctx.Simulator {
		mode = "simulator"
	}
	return ApiGetVersionResult{
		Version:   BuildVersion,
		Builddate: BuildDate,
		Buildtime: BuildTime,
		Buildby:   BuildBy,
		Mode:      mode,
	}, nil
}

func (h ApiPingHandler) ServeApi(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	return ApiPingResult{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}, nil
}

// ctx_get_cnt counters of the thread, the buffers and the links
func (h ApiCntHandler) ServeApi(tctx *CThreadCtx, params *fastjson.RawMessage) (interface{}, *jsonrpc.Error) {
	var p ApiCntParams
	if err := tctx.UnmarshalValidate(*params, &p); err != nil {
		return nil, RpcError(err)
	}
	return tctx.GetCounterDbVec().GeneralCounters(&p)
}

func init() {
	RegisterCB("get_version", ApiGetVersionHandler{}, ApiGetVersionParams{}, ApiGetVersionResult{})
	RegisterCB("ping", ApiPingHandler{}, ApiPingParams{}, ApiPingResult{})
	RegisterCB("ctx_get_cnt", ApiCntHandler{}, ApiCntParams{}, nil)
}
