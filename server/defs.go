package server

import "time"

var defs = struct {
	KeepaliveTime          time.Duration
	KeepaliveTimeout       time.Duration
	KeepaliveMinClientTime time.Duration
	MaxConnectionAgeGrace  time.Duration
	TracerName             string
}{
	KeepaliveTime:          2 * time.Minute,
	KeepaliveTimeout:       20 * time.Second,
	KeepaliveMinClientTime: 10 * time.Second,
	MaxConnectionAgeGrace:  30 * time.Second,
	TracerName:             "github.com/relex/alsrelay/server",
}
