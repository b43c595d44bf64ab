package netx

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"
)

// TCPTransport - A TCP specific, Transport implementation.
// Frames are length prefixed. Outbound connections are pooled per destination
// address and closed once idle; replies from a peer arrive on connections it dials.
type TCPTransport struct {
	opts      Options
	log       *zap.Logger
	lnMu      sync.Mutex
	lns       []net.Listener
	conns     sync.Map //dial address -> *pooledConn
	inbound   sync.Map //net.Conn -> struct{}
	closed    chan struct{}
	closeOnce sync.Once
	outQueue  chan *Outbound
	handler   MessageHandler
	notifiee  atomic.Pointer[notifieeBox]
	wg        sync.WaitGroup
}

type notifieeBox struct{ n Notifiee }

// pooledConn - An outbound connection held in the pool.
type pooledConn struct {
	conn     net.Conn
	addr     ma.Multiaddr
	mu       sync.Mutex //serialises writes
	lastUsed atomic.Int64
}

func (pc *pooledConn) touch() { pc.lastUsed.Store(time.Now().UnixNano()) }

func NewTCP(opts Options) *TCPTransport {
	opts = opts.withDefaults()

	//instantiate new TCP transport
	newTCPTransport := &TCPTransport{
		opts:     opts,
		log:      opts.Logger.Named("tcp"),
		closed:   make(chan struct{}),
		outQueue: make(chan *Outbound, opts.QueueSize),
	}

	//start outbound (message) processing
	newTCPTransport.startOutboundProcessing()
	newTCPTransport.startIdleReaper()

	return newTCPTransport
}

func (t *TCPTransport) Notify(n Notifiee) {
	t.notifiee.Store(&notifieeBox{n: n})
}

func (t *TCPTransport) Listen(addr ma.Multiaddr, handler MessageHandler) (ma.Multiaddr, error) {
	proto, hostport, err := HostPort(addr)
	if err != nil {
		return nil, err
	}
	if proto != "tcp" {
		return nil, fmt.Errorf("tcp transport cannot listen on %s", addr)
	}
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	bound, err := manet.FromNetAddr(ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	t.lnMu.Lock()
	select {
	case <-t.closed:
		t.lnMu.Unlock()
		_ = ln.Close()
		return nil, ErrTransportClosed
	default:
	}
	t.lns = append(t.lns, ln)
	t.handler = handler
	t.lnMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-t.closed:
					return
				default:
				}
				t.log.Debug("accept failed", zap.Error(err))
				continue
			}
			t.inbound.Store(c, struct{}{})
			t.wg.Add(1)
			go func(conn net.Conn) {
				defer t.wg.Done()
				defer t.inbound.Delete(conn)
				defer conn.Close()
				t.readLoop(conn, nil)
			}(c)
		}
	}()
	return bound, nil
}

// Send - Queues the provided (message) data for async dispatch to the provided address and returns immediately.
func (t *TCPTransport) Send(to ma.Multiaddr, data []byte) error {
	return t.sendAsync(to, data)
}

func (t *TCPTransport) CloseConnection(addr ma.Multiaddr) error {
	v, ok := t.conns.Load(addr.String())
	if !ok {
		return nil
	}
	return v.(*pooledConn).conn.Close()
}

func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.lnMu.Lock()
		close(t.closed)
		for _, ln := range t.lns {
			_ = ln.Close()
		}
		t.lnMu.Unlock()
		t.conns.Range(func(_, v any) bool { v.(*pooledConn).conn.Close(); return true })
		t.inbound.Range(func(k, _ any) bool { k.(net.Conn).Close(); return true })
	})
	t.wg.Wait()
	return nil
}

//private helpers/utility funcions.

// readLoop - Delivers frames read from conn to the handler until the connection fails.
// pc is set for pooled outbound connections.
func (t *TCPTransport) readLoop(conn net.Conn, pc *pooledConn) {
	from, err := manet.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		t.log.Debug("unrecognised remote address", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	r := bufio.NewReader(conn)
	for {
		buf, err := readFrame(r)
		if err != nil {
			return
		}
		if pc != nil {
			pc.touch()
		}
		if t.handler != nil {
			t.handler(from, buf)
		}
	}
}

func (t *TCPTransport) dial(to ma.Multiaddr) (*pooledConn, error) {
	key := to.String()
	if v, ok := t.conns.Load(key); ok {
		return v.(*pooledConn), nil
	}

	proto, hostport, err := HostPort(to)
	if err != nil {
		return nil, err
	}
	if proto != "tcp" {
		return nil, fmt.Errorf("tcp transport cannot dial %s", to)
	}
	c, err := net.DialTimeout("tcp", hostport, t.opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	pc := &pooledConn{conn: c, addr: to}
	pc.touch()
	if existing, loaded := t.conns.LoadOrStore(key, pc); loaded {
		//another worker won the race
		_ = c.Close()
		return existing.(*pooledConn), nil
	}
	select {
	case <-t.closed:
		_ = c.Close()
		t.conns.CompareAndDelete(key, pc)
		return nil, ErrTransportClosed
	default:
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(c, pc)
		_ = c.Close()
		t.conns.CompareAndDelete(key, pc)
		select {
		case <-t.closed:
		default:
			if b := t.notifiee.Load(); b != nil {
				b.n.Disconnected(to)
			}
		}
	}()
	return pc, nil
}

// sendSync sends provided data to the specified address, synchronously.
func (t *TCPTransport) sendSync(to ma.Multiaddr, data []byte) error {
	pc, err := t.dial(to)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(t.opts.DialTimeout))
	if err := writeFrame(pc.conn, data); err != nil {
		_ = pc.conn.Close()
		return err
	}
	pc.touch()
	return nil
}

// sendAsync sends provided data to the specified address, asynchronously.
func (t *TCPTransport) sendAsync(to ma.Multiaddr, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case t.outQueue <- &Outbound{to, data}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *TCPTransport) startOutboundProcessing() {
	//start worker goroutines
	for i := 0; i < t.opts.Workers; i++ {
		t.wg.Add(1)
		go t.outQueueDispatcher()
	}
}

func (t *TCPTransport) outQueueDispatcher() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closed:
			return

		case job := <-t.outQueue:
			if err := t.sendSync(job.to, job.data); err != nil {
				t.log.Debug("send failed", zap.Stringer("to", job.to), zap.Error(err))
				if b := t.notifiee.Load(); b != nil {
					b.n.SendFailed(job.to, err)
				}
			}
		}
	}
}

// startIdleReaper - Periodically closes pooled connections that have been idle
// for longer than the configured timeout.
func (t *TCPTransport) startIdleReaper() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.opts.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.closed:
				return
			case now := <-ticker.C:
				cutoff := now.Add(-t.opts.IdleTimeout).UnixNano()
				t.conns.Range(func(k, v any) bool {
					pc := v.(*pooledConn)
					if pc.lastUsed.Load() < cutoff {
						t.log.Debug("closing idle connection", zap.String("addr", k.(string)))
						_ = pc.conn.Close()
					}
					return true
				})
			}
		}
	}()
}
