//go:build !linux

package engine

import terrr "github.com/touka-aoi/rendezvous/core/errors"

func newUringEngine() (NetEngine, error) {
	return nil, terrr.ErrUnsupported
}
