//go:build cgo && netlib

package kernels

// Swaps the pure-Go float32 BLAS for the system one (Accelerate on macOS,
// OpenBLAS on Linux).

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("netlib BLAS enabled for kernels")
}
