package netx

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const alpnProtocol = "shareful-dkv/1"

// QUICTransport - A QUIC based Transport implementation. Every frame travels on
// its own unidirectional stream over a pooled connection; idle connections are
// closed by QUIC's own idle timeout. Certificates are self signed with the node key,
// peer identity is carried (and checked) at the message layer.
type QUICTransport struct {
	opts      Options
	log       *zap.Logger
	tlsCert   tls.Certificate
	lnMu      sync.Mutex
	lns       []*quic.Listener
	conns     sync.Map //dial address -> *quic.Conn
	closed    chan struct{}
	closeOnce sync.Once
	outQueue  chan *Outbound
	handler   MessageHandler
	notifiee  atomic.Pointer[notifieeBox]
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewQUIC - Creates a QUIC transport whose TLS certificate is signed by key.
// A nil key results in an ephemeral one.
func NewQUIC(key ed25519.PrivateKey, opts Options) (*QUICTransport, error) {
	opts = opts.withDefaults()
	if key == nil {
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
	}
	cert, err := selfSignedCert(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &QUICTransport{
		opts:     opts,
		log:      opts.Logger.Named("quic"),
		tlsCert:  cert,
		closed:   make(chan struct{}),
		outQueue: make(chan *Outbound, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		t.wg.Add(1)
		go t.outQueueDispatcher()
	}
	return t, nil
}

func (t *QUICTransport) Notify(n Notifiee) {
	t.notifiee.Store(&notifieeBox{n: n})
}

func (t *QUICTransport) Listen(addr ma.Multiaddr, handler MessageHandler) (ma.Multiaddr, error) {
	proto, hostport, err := HostPort(addr)
	if err != nil {
		return nil, err
	}
	if proto != "udp" || !IsQUIC(addr) {
		return nil, fmt.Errorf("quic transport cannot listen on %s", addr)
	}
	ln, err := quic.ListenAddr(hostport, t.serverTLSConfig(), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	bound, err := quicMultiaddr(ln.Addr())
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
			conn, err := ln.Accept(t.ctx)
			if err != nil {
				return
			}
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.serveConn(conn)
			}()
		}
	}()
	return bound, nil
}

func (t *QUICTransport) Send(to ma.Multiaddr, data []byte) error {
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

func (t *QUICTransport) CloseConnection(addr ma.Multiaddr) error {
	v, ok := t.conns.Load(addr.String())
	if !ok {
		return nil
	}
	return v.(*quic.Conn).CloseWithError(0, "closed")
}

func (t *QUICTransport) Close() error {
	t.closeOnce.Do(func() {
		t.lnMu.Lock()
		close(t.closed)
		t.lnMu.Unlock()
		t.cancel()
		t.conns.Range(func(_, v any) bool {
			_ = v.(*quic.Conn).CloseWithError(0, "shutdown")
			return true
		})
		t.lnMu.Lock()
		for _, ln := range t.lns {
			_ = ln.Close()
		}
		t.lnMu.Unlock()
	})
	t.wg.Wait()
	return nil
}

// serveConn - Reads one frame from every unidirectional stream the remote opens.
// Streams are served concurrently.
func (t *QUICTransport) serveConn(conn *quic.Conn) {
	from, err := quicMultiaddr(conn.RemoteAddr())
	if err != nil {
		_ = conn.CloseWithError(0, "bad address")
		return
	}
	for {
		str, err := conn.AcceptUniStream(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			buf, err := readFrame(bufio.NewReader(str))
			if err != nil {
				t.log.Debug("bad frame", zap.Stringer("from", from), zap.Error(err))
				return
			}
			if t.handler != nil {
				t.handler(from, buf)
			}
		}()
	}
}

func (t *QUICTransport) dial(to ma.Multiaddr) (*quic.Conn, error) {
	key := to.String()
	if v, ok := t.conns.Load(key); ok {
		return v.(*quic.Conn), nil
	}
	proto, hostport, err := HostPort(to)
	if err != nil {
		return nil, err
	}
	if proto != "udp" {
		return nil, fmt.Errorf("quic transport cannot dial %s", to)
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, hostport, t.clientTLSConfig(), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", to, err)
	}
	if existing, loaded := t.conns.LoadOrStore(key, conn); loaded {
		_ = conn.CloseWithError(0, "duplicate")
		return existing.(*quic.Conn), nil
	}
	select {
	case <-t.closed:
		_ = conn.CloseWithError(0, "shutdown")
		t.conns.CompareAndDelete(key, conn)
		return nil, ErrTransportClosed
	default:
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-conn.Context().Done()
		t.conns.CompareAndDelete(key, conn)
		select {
		case <-t.closed:
		default:
			if b := t.notifiee.Load(); b != nil {
				b.n.Disconnected(to)
			}
		}
	}()
	return conn, nil
}

func (t *QUICTransport) sendSync(to ma.Multiaddr, data []byte) error {
	conn, err := t.dial(to)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
	defer cancel()
	str, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if err := writeFrame(str, data); err != nil {
		str.CancelWrite(0)
		return err
	}
	return str.Close()
}

func (t *QUICTransport) outQueueDispatcher() {
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

func (t *QUICTransport) serverTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.tlsCert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

func (t *QUICTransport) clientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.tlsCert},
		// #nosec G402 -- certificates are self signed, the sender id travels in every message.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.opts.DialTimeout,
		MaxIdleTimeout:       t.opts.IdleTimeout,
	}
}

func quicMultiaddr(a net.Addr) (ma.Multiaddr, error) {
	base, err := manet.FromNetAddr(a)
	if err != nil {
		return nil, err
	}
	return ma.NewMultiaddr(base.String() + "/quic-v1")
}

// selfSignedCert - Creates a self signed certificate for the provided key.
func selfSignedCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"shareful-dkv"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
