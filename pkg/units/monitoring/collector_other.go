//go:build !linux

package monitoring

import (
	"context"
	"time"
)

type unsupportedCollector struct{}

// NewCollector returns the collector for this platform.
func NewCollector() Collector {
	return unsupportedCollector{}
}

func (unsupportedCollector) CPU(ctx context.Context, interval time.Duration) (map[string]Sample, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedCollector) Memory() (map[string]Sample, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedCollector) NodeDetails() (map[string]interface{}, error) {
	return nil, ErrUnsupportedPlatform
}
