package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/osamingo/jsonrpc/v2"
)

/* CCounter Type */
const ScINFO = 0x12
const ScWARNING = 0x13
const ScERROR = 0x14

type cCounterVal struct {
	Counter interface{} `json:"cnt"`
}

// CCounterRec describe one counter, Counter is a pointer to uint32/uint64/float64
type CCounterRec struct {
	Counter  interface{} `json:"-"`
	Name     string      `json:"name"`
	Help     string      `json:"help"`
	Unit     string      `json:"unit"`
	DumpZero bool        `json:"zero"`
	Info     uint8       `json:"info"` // see ScINFO,ScWARNING,ScERROR
}

func (o *CCounterRec) IsValid() bool {
	return o.DumpZero || !o.IsZero()
}

func (o *CCounterRec) MarshalValue() []byte {
	res, _ := json.Marshal(&cCounterVal{Counter: o.Counter})
	return res
}

func (o *CCounterRec) MarshalMetaAndVal() []byte {
	res, _ := json.Marshal(o)
	return res
}

// Float64 return the value, used by the metrics exporter
func (o *CCounterRec) Float64() (float64, bool) {
	switch c := o.Counter.(type) {
	case *uint32:
		return float64(*c), true
	case *uint64:
		return float64(*c), true
	case *float32:
		return float64(*c), true
	case *float64:
		return *c, true
	}
	return 0, false
}

func (o *CCounterRec) IsZero() bool {
	v, ok := o.Float64()
	return ok && v == 0
}

func (o *CCounterRec) GetValAsString() string {
	switch c := o.Counter.(type) {
	case *uint32:
		return fmt.Sprintf("%v", *c)
	case *uint64:
		return fmt.Sprintf("%v", *c)
	case *float32:
		return fmt.Sprintf("%v", *c)
	case *float64:
		return fmt.Sprintf("%v", *c)
	}
	return "N/A"
}

func (o *CCounterRec) ClearValue() {
	switch c := o.Counter.(type) {
	case *uint32:
		*c = 0
	case *uint64:
		*c = 0
	case *float32:
		*c = 0
	case *float64:
		*c = 0
	}
}

func (o *CCounterRec) String() string {
	return fmt.Sprintf("%-30s : %10s", o.Name, o.GetValAsString())
}

// CCounterOp operation on the counter
type CCounterOp interface {
	PreUpdate()
}

type CCounterDb struct {
	Name string         `json:"name"`
	Vec  []*CCounterRec `json:"meta"`
	IOpt CCounterOp     `json:"-"`
}

func NewCCounterDb(name string) *CCounterDb {
	return &CCounterDb{Name: name, Vec: []*CCounterRec{}}
}

func (o *CCounterDb) Add(cnt *CCounterRec) {
	o.Vec = append(o.Vec, cnt)
}

// AddUint64 short form for the common case
func (o *CCounterDb) AddUint64(cnt *uint64, name, help string, info uint8) {
	o.Add(&CCounterRec{
		Counter:  cnt,
		Name:     name,
		Help:     help,
		Unit:     "ops",
		DumpZero: false,
		Info:     info})
}

func (o *CCounterDb) Preupdate() {
	if o.IOpt != nil {
		o.IOpt.PreUpdate()
	}
}

// Dump return the non zero counters, one per line
func (o *CCounterDb) Dump() string {
	var sb strings.Builder
	o.Preupdate()
	sb.WriteString(" counters " + o.Name + " db\n")
	for _, obj := range o.Vec {
		if !obj.IsZero() {
			sb.WriteString(obj.String() + "\n")
		}
	}
	return sb.String()
}

func (o *CCounterDb) MarshalValues(zero bool) map[string]interface{} {
	m := make(map[string]interface{})
	o.Preupdate()
	for _, obj := range o.Vec {
		if zero || obj.IsValid() {
			m[obj.Name] = obj.Counter
		}
	}
	return m
}

func (o *CCounterDb) ClearValues() {
	o.Preupdate()
	for _, obj := range o.Vec {
		obj.ClearValue()
	}
}

func (o *CCounterDb) MarshalMeta() []byte {
	res, _ := json.Marshal(o)
	return res
}

type CCounterDbVec struct {
	Name      string        `json:"name"`
	Vec       []*CCounterDb `json:"vec"`
	validator map[string]int
}

func NewCCounterDbVec(name string) *CCounterDbVec {
	return &CCounterDbVec{Name: name,
		Vec:       []*CCounterDb{},
		validator: make(map[string]int)}
}

func (o *CCounterDbVec) Add(cnt *CCounterDb) {
	if _, ok := o.validator[cnt.Name]; ok {
		panic(fmt.Sprintf(" same key is added twice %s", cnt.Name))
	}
	o.validator[cnt.Name] = 1
	o.Vec = append(o.Vec, cnt)
}

func (o *CCounterDbVec) AddVec(cnt *CCounterDbVec) {
	for _, vec := range cnt.Vec {
		o.Add(vec)
	}
}

func (o *CCounterDbVec) ClearValues() {
	for _, obj := range o.Vec {
		obj.ClearValues()
	}
}

// Dump all the db sorted by name
func (o *CCounterDbVec) Dump() string {
	var sb strings.Builder
	vec := append([]*CCounterDb(nil), o.Vec...)
	sort.Slice(vec, func(i, j int) bool { return vec[i].Name < vec[j].Name })
	for _, obj := range vec {
		sb.WriteString(obj.Dump())
	}
	return sb.String()
}

func (o *CCounterDbVec) MarshalValues(zero bool) map[string]interface{} {
	m := make(map[string]interface{})
	for _, obj := range o.Vec {
		r := obj.MarshalValues(zero)
		if len(r) > 0 {
			m[obj.Name] = r
		}
	}
	return m
}

func (o *CCounterDbVec) MarshalValuesMask(zero bool, mask []string) map[string]interface{} {
	m := make(map[string]interface{})
	for _, obj := range o.Vec {
		for _, name := range mask {
			if name == obj.Name {
				r := obj.MarshalValues(zero)
				if len(r) > 0 {
					m[obj.Name] = r
				}
				break
			}
		}
	}
	return m
}

func (o *CCounterDbVec) MarshalMeta() map[string]interface{} {
	m := make(map[string]interface{})
	for _, obj := range o.Vec {
		m[obj.Name] = obj
	}
	return m
}

// ApiCntParams common params of the *_get_cnt commands
type ApiCntParams struct {
	Meta  bool     `json:"meta"`
	Zero  bool     `json:"zero"`
	Mask  []string `json:"mask"`  // get only specific counters blocks if it is empty get all
	Clear bool     `json:"clear"` // clear all counters
}

// GeneralCounters function for all types of counters
func (o *CCounterDbVec) GeneralCounters(p *ApiCntParams) (interface{}, *jsonrpc.Error) {
	if p.Clear {
		o.ClearValues()
		return nil, nil
	}

	if p.Meta {
		return o.MarshalMeta(), nil
	}

	if len(p.Mask) == 0 {
		return o.MarshalValues(p.Zero), nil
	}
	return o.MarshalValuesMask(p.Zero, p.Mask), nil
}
