package hgfs

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/channel"
	"github.com/slackhq/hgfs/packet"
)

// Control is how an embedder runs and stops a server built by Main.
type Control struct {
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	srv        *Server
	ch         channel.Channel
	guest      *channel.Guest
	alloc      *packet.Pool
	statsStart func()
	done       chan struct{}
}

// Start runs the workers, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	go func() {
		defer close(c.done)
		if err := c.srv.Run(c.ctx); err != nil {
			c.l.WithError(err).Error("Server stopped")
		}
	}()
}

// Stop closes the channel, returns after every worker has finished its packet
func (c *Control) Stop() {
	c.cancel()
	if err := c.ch.Close(); err != nil {
		c.l.WithError(err).Error("Close channel failed")
	}
	<-c.done

	if n := c.alloc.Live(); n > 0 {
		c.l.WithField("buffers", n).Warn("Buffers still outstanding at shutdown")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Context is canceled when Stop is called.
func (c *Control) Context() context.Context {
	return c.ctx
}

// GuestChannel returns the guest side of a guest channel, nil for a stream channel.
func (c *Control) GuestChannel() *channel.Guest {
	return c.guest
}

// Outstanding is the number of bytes currently allocated for copied buffers and replies.
func (c *Control) Outstanding() int64 {
	return c.alloc.Outstanding()
}
