//go:build !windows

package monitoring

import (
	"context"
	"fmt"
)

// Start fails on this platform; the agent keeps running without window data.
func (s *WindowSource) Start(ctx context.Context) error {
	return fmt.Errorf("window source: %w", ErrUnsupported)
}

func (s *WindowSource) Stop() {}

// Start fails on this platform; idle detection stays disabled.
func (s *InputSource) Start(ctx context.Context) error {
	return fmt.Errorf("input source: %w", ErrUnsupported)
}

func (s *InputSource) Stop() {}
