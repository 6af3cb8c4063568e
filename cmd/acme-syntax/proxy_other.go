//go:build !unix

package main

import (
	"errors"
	"io"
	"os"
)

var shutdownSignals = []os.Signal{os.Interrupt}

func listen(srvPath string) (io.ReadWriteCloser, func(), error) {
	return nil, nil, errors.New("9pserve is only available on unix")
}
