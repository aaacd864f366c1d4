package hgfs

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/channel"
	"github.com/slackhq/hgfs/util"
	"golang.org/x/sync/errgroup"
)

// Server runs a fixed number of workers. Each worker owns a packet from Receive until
// Complete, so packets are never shared between goroutines.
type Server struct {
	l       *logrus.Logger
	ch      channel.Channel
	h       Handler
	workers int
}

func NewServer(l *logrus.Logger, ch channel.Channel, h Handler, workers int) *Server {
	if workers < 1 {
		workers = 1
	}
	return &Server{l: l, ch: ch, h: h, workers: workers}
}

// Run blocks until ctx is done or the channel is closed. The error of the first worker that
// failed for any other reason is returned.
func (s *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		i := i
		eg.Go(func() error {
			return s.work(ctx, i)
		})
	}

	s.l.WithField("workers", s.workers).Info("Server started")
	return eg.Wait()
}

func (s *Server) work(ctx context.Context, id int) error {
	for {
		p, err := s.ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		herr := s.h.Handle(p)
		if herr != nil {
			s.l.WithField("worker", id).WithError(herr).Debug("Handler failed")
		}

		if err := s.ch.Complete(p, herr); err != nil {
			util.NewContextualError(
				"Failed to complete packet",
				map[string]any{"worker": id, "metaSize": p.MetaSize(), "payloadSize": p.PayloadSize()},
				err,
			).Log(s.l)
		}
	}
}
