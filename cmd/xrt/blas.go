//go:build cgo && netlib

package main

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Worker kernels run on the system BLAS (OpenBLAS, Accelerate) when built with
// -tags netlib.
func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("netlib BLAS enabled for worker kernels")
}
