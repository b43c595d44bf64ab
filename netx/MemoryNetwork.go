package netx

import (
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// MemoryNetwork - An in-process network joining MemoryTransports. Endpoints get
// virtual /ip4/127.0.0.1/tcp/<port> addresses. Individual addresses can be made
// unreachable (sends fail) or silent (sends are dropped without error).
type MemoryNetwork struct {
	mu          sync.RWMutex
	endpoints   map[string]*MemoryTransport
	unreachable map[string]bool
	silent      map[string]bool
	nextPort    int
	log         *zap.Logger
}

func NewMemoryNetwork(logger *zap.Logger) *MemoryNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryNetwork{
		endpoints:   make(map[string]*MemoryTransport),
		unreachable: make(map[string]bool),
		silent:      make(map[string]bool),
		nextPort:    10000,
		log:         logger.Named("memnet"),
	}
}

// NewTransport - Creates a transport attached to this network.
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	t := &MemoryTransport{
		net:       n,
		closed:    make(chan struct{}),
		outQueue:  make(chan *Outbound, 1024),
		connected: make(map[string]ma.Multiaddr),
	}
	t.wg.Add(1)
	go t.outQueueDispatcher()
	return t
}

// SetUnreachable - Makes every send to addr fail, as a refused connection would.
func (n *MemoryNetwork) SetUnreachable(addr ma.Multiaddr, unreachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[addr.String()] = unreachable
}

// SetSilent - Makes every send to addr vanish without an error, as a lost packet would.
func (n *MemoryNetwork) SetSilent(addr ma.Multiaddr, silent bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silent[addr.String()] = silent
}

func (n *MemoryNetwork) bind(addr ma.Multiaddr, t *MemoryTransport) (ma.Multiaddr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return nil, fmt.Errorf("memory transport needs a tcp address, got %s", addr)
	}
	if port == "0" {
		n.nextPort++
		port = fmt.Sprint(n.nextPort)
	}
	bound, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/" + port)
	if err != nil {
		return nil, err
	}
	if _, taken := n.endpoints[bound.String()]; taken {
		return nil, fmt.Errorf("address %s already in use", bound)
	}
	n.endpoints[bound.String()] = t
	return bound, nil
}

func (n *MemoryNetwork) unbind(t *MemoryTransport) {
	n.mu.Lock()
	if t.addr != nil {
		delete(n.endpoints, t.addr.String())
	}
	others := make([]*MemoryTransport, 0, len(n.endpoints))
	for _, e := range n.endpoints {
		others = append(others, e)
	}
	n.mu.Unlock()

	//peers holding a connection to t see it close
	if t.addr != nil {
		for _, o := range others {
			o.remoteClosed(t.addr)
		}
	}
}

// route - Resolves the destination for a frame. A nil transport with a nil
// error means the frame is silently dropped.
func (n *MemoryNetwork) route(to ma.Multiaddr) (*MemoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	key := to.String()
	if n.unreachable[key] {
		return nil, ErrUnreachable
	}
	if n.silent[key] {
		return nil, nil
	}
	dst, ok := n.endpoints[key]
	if !ok {
		return nil, ErrUnreachable
	}
	return dst, nil
}

// MemoryTransport - A Transport bound to a MemoryNetwork.
type MemoryTransport struct {
	net       *MemoryNetwork
	addr      ma.Multiaddr
	handler   MessageHandler
	closed    chan struct{}
	closeOnce sync.Once
	outQueue  chan *Outbound
	mu        sync.Mutex
	connected map[string]ma.Multiaddr
	notifiee  Notifiee
	wg        sync.WaitGroup
}

func (t *MemoryTransport) Notify(n Notifiee) {
	t.mu.Lock()
	t.notifiee = n
	t.mu.Unlock()
}

func (t *MemoryTransport) Listen(addr ma.Multiaddr, handler MessageHandler) (ma.Multiaddr, error) {
	bound, err := t.net.bind(addr, t)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.addr = bound
	t.handler = handler
	t.mu.Unlock()
	return bound, nil
}

func (t *MemoryTransport) Send(to ma.Multiaddr, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case t.outQueue <- &Outbound{to, buf}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *MemoryTransport) CloseConnection(addr ma.Multiaddr) error {
	t.remoteClosed(addr)
	return nil
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.net.unbind(t)
	})
	t.wg.Wait()
	return nil
}

func (t *MemoryTransport) deliver(from ma.Multiaddr, data []byte) bool {
	select {
	case <-t.closed:
		return false
	default:
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return false
	}
	h(from, data)
	return true
}

func (t *MemoryTransport) remoteClosed(addr ma.Multiaddr) {
	t.mu.Lock()
	_, ok := t.connected[addr.String()]
	delete(t.connected, addr.String())
	n := t.notifiee
	t.mu.Unlock()
	if ok && n != nil {
		n.Disconnected(addr)
	}
}

func (t *MemoryTransport) outQueueDispatcher() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closed:
			return
		case job := <-t.outQueue:
			t.sendSync(job.to, job.data)
		}
	}
}

func (t *MemoryTransport) sendSync(to ma.Multiaddr, data []byte) {
	dst, err := t.net.route(to)
	if err == nil && dst == nil {
		return
	}
	if err == nil && !dst.deliver(t.localAddr(), data) {
		err = ErrUnreachable
	}

	t.mu.Lock()
	n := t.notifiee
	if err == nil {
		t.connected[to.String()] = to
	}
	t.mu.Unlock()

	if err != nil {
		t.net.log.Debug("send failed", zap.Stringer("to", to), zap.Error(err))
		if n != nil {
			n.SendFailed(to, err)
		}
	}
}

func (t *MemoryTransport) localAddr() ma.Multiaddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr != nil {
		return t.addr
	}
	return ma.StringCast("/ip4/127.0.0.1/tcp/1")
}
