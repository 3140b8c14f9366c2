package grpclog

import "github.com/golang/glog"

// glogBackend is the default Backend, adapted from grpc-go's
// grpclog/grpcglog shim. It routes component log lines through glog so the
// pool participates in whatever glog sink (files, stderr, cloud logging
// agent) the host process has configured.
type glogBackend struct{}

func (glogBackend) Info(args ...any)    { glog.Info(args...) }
func (glogBackend) Warning(args ...any) { glog.Warning(args...) }
func (glogBackend) Error(args ...any)   { glog.Error(args...) }
func (glogBackend) Fatal(args ...any)   { glog.Fatal(args...) }
