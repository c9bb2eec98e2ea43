//go:build !linux

package power

import "context"

func (s *Service) osPowerOff(ctx context.Context, force bool) error {
	return ErrUnsupported
}
