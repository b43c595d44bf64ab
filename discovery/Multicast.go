package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/logging"
	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const maxAnnouncementSize = 8 * 1024

// Announcement - The datagram a node multicasts to advertise itself on the LAN.
type Announcement struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// EncodeAnnouncement - Serialises the announcement for id and addrs.
func EncodeAnnouncement(id types.PeerID, addrs []ma.Multiaddr) ([]byte, error) {
	return json.Marshal(Announcement{ID: id.String(), Addrs: types.AddrStrings(addrs)})
}

// ParseAnnouncement - Decodes a datagram into one PeerAddr per valid address.
// Announcements from self yield nothing.
func ParseAnnouncement(b []byte, self types.PeerID) ([]types.PeerAddr, error) {
	var a Announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode announcement: %w", err)
	}
	id, err := types.ParsePeerID(a.ID)
	if err != nil {
		return nil, fmt.Errorf("announcement peer id: %w", err)
	}
	if id == self {
		return nil, nil
	}
	addrs, _ := types.ParseAddrs(a.Addrs)
	out := make([]types.PeerAddr, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, types.PeerAddr{ID: id, Addr: addr})
	}
	return out, nil
}

// MulticastOptions - Where and how often announcements are sent.
type MulticastOptions struct {
	Group     string
	Port      int
	Interval  time.Duration
	QueueSize int
	Logger    *zap.Logger
}

// packetConn - The multicast socket operations the announcer and reader use.
type packetConn interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	Close() error
}

// Multicast - A LAN discovery Source. It periodically announces the local
// node to an IPv4 multicast group and reports every other node it hears.
type Multicast struct {
	self  types.PeerID
	addrs func() []ma.Multiaddr
	opts  MulticastOptions
	group *net.UDPAddr
	conn  packetConn
	out   chan types.PeerAddr
	log   *zap.Logger
}

// NewMulticast - Binds the discovery port and joins the multicast group on
// every multicast capable interface. addrs is consulted on each announcement.
func NewMulticast(self types.PeerID, addrs func() []ma.Multiaddr, opts MulticastOptions) (*Multicast, error) {
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ip := net.ParseIP(opts.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("discovery group %q is not an IPv4 multicast address", opts.Group)
	}
	group := &net.UDPAddr{IP: ip, Port: opts.Port}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", opts.Port, err)
	}
	conn := ipv4.NewPacketConn(pc)

	log := opts.Logger.Named("discovery")
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := conn.JoinGroup(&ifi, &net.UDPAddr{IP: ip}); err != nil {
			log.Debug("join multicast group failed", zap.String("iface", ifi.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := conn.JoinGroup(nil, &net.UDPAddr{IP: ip}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("join multicast group %s: %w", ip, err)
		}
	}
	//nodes on the same host must hear each other
	_ = conn.SetMulticastLoopback(true)
	_ = conn.SetMulticastTTL(1)

	return &Multicast{
		self:  self,
		addrs: addrs,
		opts:  opts,
		group: group,
		conn:  conn,
		out:   make(chan types.PeerAddr, opts.QueueSize),
		log:   log,
	}, nil
}

func (m *Multicast) Discoveries() <-chan types.PeerAddr { return m.out }

// Run - Announces and listens until ctx ends. The discovery channel is closed on return.
func (m *Multicast) Run(ctx context.Context) error {
	defer close(m.out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return m.conn.Close()
	})
	g.Go(func() error { return m.readLoop(gctx) })
	g.Go(func() error { return m.announceLoop(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Multicast) announceLoop(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		if err := m.announce(); err != nil {
			m.log.Debug("announce failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Multicast) announce() error {
	addrs := m.addrs()
	if len(addrs) == 0 {
		return nil
	}
	b, err := EncodeAnnouncement(m.self, addrs)
	if err != nil {
		return err
	}
	_, err = m.conn.WriteTo(b, nil, m.group)
	return err
}

func (m *Multicast) readLoop(ctx context.Context) error {
	buf := make([]byte, maxAnnouncementSize)
	for {
		n, _, src, err := m.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read discovery datagram: %w", err)
		}
		found, err := ParseAnnouncement(buf[:n], m.self)
		if err != nil {
			m.log.Debug("ignoring announcement", zap.Stringer("from", src), zap.Error(err))
			continue
		}
		for _, pa := range found {
			select {
			case m.out <- pa:
			default:
				//announcements repeat, a dropped one is seen again next interval
				m.log.Debug("discovery queue full", zap.String("peer", pa.ID.Short()))
			}
		}
	}
}
