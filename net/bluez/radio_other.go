//go:build !linux

package bluez

import (
	"context"
	"fmt"
)

// Radio is unavailable off linux.
type Radio struct{}

func NewRadio(adapter string, logPrefix string) (*Radio, error) {
	return nil, fmt.Errorf("bluez: adapter %q unsupported on this platform", adapter)
}

func (r *Radio) Enabled() bool {
	return false
}

func (r *Radio) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (r *Radio) Close() error {
	return nil
}
