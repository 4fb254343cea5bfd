package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"feedsync/internal/model"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// ReceiverConfig describes the multicast group one segment arrives on.
type ReceiverConfig struct {
	Group      string
	Port       int
	Interface  string // empty means the system default
	ReadBuffer int    // SO_RCVBUF, 0 keeps the OS default

	// ReconnectDelay is the initial retry delay after a socket failure.
	// Defaults to 500ms.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *ReceiverConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Receiver joins one multicast group and hands every datagram to a handler on
// its own goroutine. The buffer passed to the handler is reused by the next read.
type Receiver struct {
	seg    model.Segment
	cfg    ReceiverConfig
	group  net.IP
	logger *zap.Logger
	handle func(pkt []byte, recvTS int64)

	// Optional hook, called each time the socket is reopened.
	OnReconnect func()
}

// NewReceiver validates cfg. The socket is opened by Run.
func NewReceiver(seg model.Segment, cfg ReceiverConfig, logger *zap.Logger, handle func(pkt []byte, recvTS int64)) (*Receiver, error) {
	cfg.defaults()
	ip := net.ParseIP(cfg.Group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("feed: %s group %q is not an IPv4 multicast address", seg, cfg.Group)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("feed: %s port %d out of range", seg, cfg.Port)
	}
	if handle == nil {
		return nil, errors.New("feed: nil packet handler")
	}
	return &Receiver{seg: seg, cfg: cfg, group: ip, logger: logger, handle: handle}, nil
}

// Run receives until ctx is cancelled, reopening the socket with exponential
// backoff whenever it fails.
func (r *Receiver) Run(ctx context.Context) error {
	delay := r.cfg.ReconnectDelay
	for {
		received, err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			delay = r.cfg.ReconnectDelay
		}
		r.logger.Warn("multicast receiver stopped, reopening",
			zap.Error(err),
			zap.Duration("delay", delay),
		)
		if r.OnReconnect != nil {
			r.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > r.cfg.MaxReconnectDelay {
			delay = r.cfg.MaxReconnectDelay
		}
	}
}

// runOnce opens the socket, joins the group and reads until an error. It
// reports whether any datagram arrived.
func (r *Receiver) runOnce(ctx context.Context) (bool, error) {
	var lc net.ListenConfig
	c, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(r.cfg.Port)))
	if err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	defer c.Close()

	udp, ok := c.(*net.UDPConn)
	if !ok {
		return false, fmt.Errorf("listen: unexpected conn type %T", c)
	}
	if r.cfg.ReadBuffer > 0 {
		if err := udp.SetReadBuffer(r.cfg.ReadBuffer); err != nil {
			r.logger.Warn("set read buffer", zap.Int("bytes", r.cfg.ReadBuffer), zap.Error(err))
		}
	}

	var ifi *net.Interface
	if r.cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(r.cfg.Interface); err != nil {
			return false, fmt.Errorf("interface %s: %w", r.cfg.Interface, err)
		}
	}
	p := ipv4.NewPacketConn(c)
	group := &net.UDPAddr{IP: r.group}
	if err := p.JoinGroup(ifi, group); err != nil {
		return false, fmt.Errorf("join %s: %w", r.group, err)
	}
	defer p.LeaveGroup(ifi, group)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	r.logger.Info("joined multicast group",
		zap.String("group", r.group.String()),
		zap.Int("port", r.cfg.Port),
	)

	// ReadFromUDPAddrPort does not allocate a source address per datagram.
	buf := make([]byte, maxDatagram)
	received := false
	for {
		n, _, err := udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			return received, fmt.Errorf("read: %w", err)
		}
		received = true
		r.handle(buf[:n], time.Now().UnixNano())
	}
}
