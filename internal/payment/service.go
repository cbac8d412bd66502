package payment

import (
	"context"
)

// Service composes envelope building with signing and submission into
// the single release operation the API layer drives.
type Service struct {
	builder   *Builder
	submitter *Submitter
}

func NewService(builder *Builder, submitter *Submitter) *Service {
	return &Service{builder: builder, submitter: submitter}
}

// Release pays the full amount from source to destination with the
// given memo and returns the network confirmation hash.
func (s *Service) Release(ctx context.Context, source, destination, amount, memo string) (string, error) {
	env, err := s.builder.Payment(source, destination, amount, memo)
	if err != nil {
		return "", err
	}
	return s.submitter.SignAndSubmit(ctx, env)
}
