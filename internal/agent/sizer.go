package agent

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Sizer services out-of-band size-estimation requests from the server by
// walking the requested paths and reporting totals. It sits outside the
// execution core: a failed assessment never affects backup runs.
type Sizer struct {
	client *Client
	logger zerolog.Logger
}

// NewSizer creates a Sizer backed by the given API client.
func NewSizer(client *Client, logger zerolog.Logger) *Sizer {
	return &Sizer{
		client: client,
		logger: logger.With().Str("component", "sizer").Logger(),
	}
}

// Run fetches pending size requests and answers each one. Individual
// request failures are reported to the server, not returned.
func (s *Sizer) Run(ctx context.Context) error {
	reqs, err := s.client.GetSizeRequests(ctx)
	if err != nil {
		return fmt.Errorf("fetch size requests: %w", err)
	}

	for _, req := range reqs {
		assessment := s.assess(req)
		if err := s.client.ReportSizeAssessment(ctx, assessment); err != nil {
			s.logger.Warn().Err(err).
				Str("request_id", req.ID.String()).
				Msg("failed to report size assessment")
		}
	}
	return nil
}

// assess walks each requested path and sums file sizes. Unreadable
// subtrees are recorded as errors but do not abort the walk.
func (s *Sizer) assess(req SizeRequest) *SizeAssessment {
	a := &SizeAssessment{RequestID: req.ID}

	for _, path := range req.Paths {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				a.Errors = append(a.Errors, err.Error())
				return fs.SkipDir
			}
			if d.Type().IsRegular() {
				if info, err := d.Info(); err == nil {
					a.TotalBytes += info.Size()
					a.TotalFiles++
				}
			}
			return nil
		})
		if err != nil {
			a.Errors = append(a.Errors, fmt.Sprintf("walk %s: %v", path, err))
		}
	}

	s.logger.Debug().
		Str("request_id", req.ID.String()).
		Int64("total_bytes", a.TotalBytes).
		Int("total_files", a.TotalFiles).
		Msg("size assessment complete")

	return a
}
