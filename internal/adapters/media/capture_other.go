//go:build !linux

// Package media acquires and releases the local capture devices.
// Camera/mic capture via pion/mediadevices requires platform drivers
// (V4L2/malgo on Linux); elsewhere Acquire reports the device as
// unavailable and calls proceed receive-only.
package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

type Capture struct{}

func New() (*Capture, error) {
	return &Capture{}, nil
}

func (c *Capture) Populate(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (c *Capture) Acquire(constraints core.MediaConstraints) (core.LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", domain.ErrDeviceUnavailable)
}

func (c *Capture) Release() {}
