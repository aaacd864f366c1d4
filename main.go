package hgfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/hgfs/channel"
	"github.com/slackhq/hgfs/config"
	"github.com/slackhq/hgfs/mapping"
	"github.com/slackhq/hgfs/packet"
	"github.com/slackhq/hgfs/region"
	"github.com/slackhq/hgfs/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

const (
	defaultGuestMemory = 16 << 20
	defaultQueueSize   = 64
)

type channelConfig struct {
	kind string

	memorySize int
	backend    string
	queueSize  int

	network string
	listen  string
	port    uint32
	stream  channel.StreamConfig
}

func loadChannelConfig(c *config.C) (*channelConfig, error) {
	cc := &channelConfig{
		kind: strings.ToLower(c.GetString("channel.type", "stream")),
	}

	switch cc.kind {
	case "guest":
		size, err := c.GetByteSize("channel.guest.memory_size", defaultGuestMemory)
		if err != nil {
			return nil, err
		}
		if size <= 0 || size%region.PageSize != 0 {
			return nil, fmt.Errorf("channel.guest.memory_size must be a positive multiple of %d, got %d", region.PageSize, size)
		}
		cc.memorySize = int(size)

		cc.backend = strings.ToLower(c.GetString("channel.guest.backend", "heap"))
		if cc.backend != "heap" && cc.backend != "memfd" {
			return nil, fmt.Errorf("unknown channel.guest.backend `%s`. possible backends: %s", cc.backend, []string{"heap", "memfd"})
		}

		cc.queueSize = c.GetInt("channel.guest.queue_size", defaultQueueSize)
		if cc.queueSize < 1 {
			return nil, fmt.Errorf("channel.guest.queue_size must be at least 1, got %d", cc.queueSize)
		}

	case "stream":
		cc.network = strings.ToLower(c.GetString("channel.stream.network", "tcp"))
		cc.listen = c.GetString("channel.stream.listen", "127.0.0.1:4700")
		if cc.network == "vsock" {
			if !c.IsSet("channel.stream.vsock_port") {
				return nil, errors.New("channel.stream.vsock_port must be set for a vsock listener")
			}
			cc.port = c.GetUint32("channel.stream.vsock_port", 0)
		}

		replySize, err := c.GetByteSize("channel.stream.reply_buffer_size", 0)
		if err != nil {
			return nil, err
		}
		maxFrame, err := c.GetByteSize("channel.stream.max_frame", channel.DefaultMaxFrame)
		if err != nil {
			return nil, err
		}
		if replySize < 0 || maxFrame <= 0 || maxFrame > 1<<31 {
			return nil, fmt.Errorf("channel.stream sizes out of range: reply_buffer_size=%d max_frame=%d", replySize, maxFrame)
		}
		cc.stream = channel.StreamConfig{MaxFrame: int(maxFrame), ReplyBufferSize: int(replySize)}

	default:
		return nil, fmt.Errorf("unknown channel.type `%s`. possible types: %s", cc.kind, []string{"stream", "guest"})
	}

	return cc, nil
}

func newChannel(l *logrus.Logger, cc *channelConfig, alloc packet.Allocator) (channel.Channel, *channel.Guest, error) {
	switch cc.kind {
	case "guest":
		var mem channel.Memory
		if cc.backend == "memfd" {
			mf, err := mapping.NewMemFile("hgfs-guest", cc.memorySize, mapping.ReadWritable)
			if err != nil {
				return nil, nil, err
			}
			mem = mf
		} else {
			mem = mapping.NewGuestMemory(cc.memorySize, mapping.ReadWritable)
		}

		l.WithField("backend", cc.backend).WithField("memorySize", cc.memorySize).Info("Guest channel created")
		g := channel.NewGuest(l, mem, alloc, cc.queueSize)
		return g, g, nil

	default:
		ln, err := channel.Listen(cc.network, cc.listen, cc.port)
		if err != nil {
			return nil, nil, err
		}
		return channel.NewStream(l, ln, alloc, cc.stream), nil, nil
	}
}

// Main builds a server from config. Nothing runs until Control.Start is called. With
// configTest set the config is validated and printed and nothing is opened.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger) (*Control, error) {
	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}

		if c.HasChanged("channel") || c.HasChanged("server") || c.HasChanged("buffers") {
			l.Warn("Changes to channel, server or buffers config require a restart")
		}
	})

	limit, err := c.GetByteSize("buffers.max_outstanding", 0)
	if err != nil {
		return nil, util.NewContextualError("Failed to read buffers config", nil, err)
	}

	workers := c.GetInt("server.workers", runtime.NumCPU())
	if workers < 1 {
		return nil, util.NewContextualError("Invalid server.workers", m{"workers": workers}, nil)
	}

	cc, err := loadChannelConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to read channel config", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return &Control{l: l}, nil
	}

	alloc := packet.NewPool(limit)
	ch, guest, err := newChannel(l, cc, alloc)
	if err != nil {
		return nil, util.NewContextualError("Failed to open channel", m{"type": cc.kind}, err)
	}

	l.WithField("workers", workers).
		WithField("maxOutstanding", limit).
		WithField("channel", cc.kind).
		WithField("version", buildVersion).
		Info("hgfs server configured")

	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		srv:        NewServer(l, ch, NewEchoHandler(l), workers),
		ch:         ch,
		guest:      guest,
		alloc:      alloc,
		statsStart: statsStart,
		done:       make(chan struct{}),
	}, nil
}
