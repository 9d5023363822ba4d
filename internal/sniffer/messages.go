package sniffer

import (
	"encoding/json"
)

// Info types carried in a network architecture message.
const (
	InfoNode      = "node"
	InfoCacheInfo = "cache-info"
	InfoRoute     = "route"
	InfoRouteLost = "route-lost"
)

// Info is one element of a network architecture message.
type Info struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// NodeInfo announces a node.
type NodeInfo struct {
	ID      string `json:"id" validate:"required"`
	Addr    string `json:"addr" validate:"required"`
	Gateway bool   `json:"gateway,omitempty"`
}

// CacheInfo reports a node's content-cache occupancy. Both counts must
// be present for the report to be applied.
type CacheInfo struct {
	Addr      string   `json:"addr" validate:"required"`
	CacheSize *float64 `json:"cache_size" validate:"required"`
	Cached    *float64 `json:"cached" validate:"required"`
}

// RouteInfo announces or withdraws a route between two addresses.
type RouteInfo struct {
	Src string `json:"src" validate:"required"`
	Dst string `json:"dst" validate:"required"`
}
