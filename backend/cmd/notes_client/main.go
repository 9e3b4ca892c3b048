package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
)

func main() {
	// glog 的 -v / -logtostderr 通过 cobra 透传
	flag.Set("logtostderr", "true")
	err := newRootCmd().Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
