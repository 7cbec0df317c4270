// Package mtls implements the Messenger interface over TCP with mutual TLS.
// Every pair of parties shares one connection; the party with the higher index
// dials, the lower one accepts. Peers are identified by the SHA-256 hash of
// their certificate's public key.
package mtls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/xxtea01/cb-mpc-net/api/transport"
)

const (
	// DefaultMaxMessageSize bounds a single frame unless Config says otherwise.
	DefaultMaxMessageSize = 10 << 20

	defaultDialBackoff    = 100 * time.Millisecond
	defaultDialBackoffMax = 5 * time.Second
	defaultDialRetries    = 10

	lengthPrefixSize = 4
)

// ErrMessageTooLarge is returned for frames above the configured limit.
var ErrMessageTooLarge = errors.New("message too large")

// peer is the connection to one other party. Reads and writes are serialised
// separately so that a frame is never interleaved with another one.
type peer struct {
	conn *tls.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
}

// MTLSMessenger implements the Messenger interface using mutual TLS authentication.
type MTLSMessenger struct {
	mu             sync.RWMutex
	peers          map[int]*peer
	listener       net.Listener
	selfIndex      int
	maxMessageSize uint32
	log            zerolog.Logger
}

var _ transport.Messenger = (*MTLSMessenger)(nil)

// PartyConfig contains the configuration for a single party
type PartyConfig struct {
	// Address should include the IP/hostname and port
	Address string
	Cert    *x509.Certificate
}

// Config contains the configuration for setting up mutual TLS transport
type Config struct {
	// Parties must include the current party as well as all other parties,
	// the key is the index of the party among all possible parties
	Parties     map[int]PartyConfig
	CertPool    *x509.CertPool
	TLSCert     tls.Certificate
	NameToIndex map[string]int
	SelfIndex   int

	// Logger receives connection diagnostics. The zero value discards them.
	Logger zerolog.Logger
	// DialBackoff is the first retry delay when a peer is not listening yet;
	// it doubles up to five seconds. DialRetries bounds the attempts.
	DialBackoff time.Duration
	DialRetries uint64
	// MaxMessageSize defaults to DefaultMaxMessageSize.
	MaxMessageSize uint32
}

// PartyNameFromCertificate extracts a unique party name from a certificate by hashing its public key
func PartyNameFromCertificate(cert *x509.Certificate) (string, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	hash := sha256.Sum256(pubKeyBytes)
	return hex.EncodeToString(hash[:]), nil
}

// LoadPartyConfig parses a PEM encoded certificate and pairs it with address.
func LoadPartyConfig(certPEM []byte, address string) (PartyConfig, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return PartyConfig{}, fmt.Errorf("no PEM certificate found for %s", address)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return PartyConfig{}, fmt.Errorf("parsing certificate for %s: %w", address, err)
	}
	return PartyConfig{Address: address, Cert: cert}, nil
}

func (c *Config) validate() error {
	if _, ok := c.Parties[c.SelfIndex]; !ok {
		return fmt.Errorf("self index %d is not among the parties", c.SelfIndex)
	}
	if len(c.Parties) < 2 {
		return fmt.Errorf("at least 2 parties are required, got %d", len(c.Parties))
	}
	for i, p := range c.Parties {
		if p.Cert == nil {
			return fmt.Errorf("party %d has no certificate", i)
		}
		name, err := PartyNameFromCertificate(p.Cert)
		if err != nil {
			return fmt.Errorf("party %d: %w", i, err)
		}
		if idx, ok := c.NameToIndex[name]; !ok || idx != i {
			return fmt.Errorf("party %d is missing from the name to index map", i)
		}
	}
	return nil
}

// identify maps the leaf certificate of a peer to its party index.
func (c *Config) identify(cert *x509.Certificate) (int, error) {
	name, err := PartyNameFromCertificate(cert)
	if err != nil {
		return 0, fmt.Errorf("extracting peer name from certificate: %w", err)
	}
	idx, ok := c.NameToIndex[name]
	if !ok {
		return 0, fmt.Errorf("peer name %s not found in name to index map", name)
	}
	if !cert.Equal(c.Parties[idx].Cert) {
		return 0, fmt.Errorf("certificate of peer %d does not match the expected certificate", idx)
	}
	return idx, nil
}

func (c *Config) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{c.TLSCert},
		RootCAs:      c.CertPool,
		ClientCAs:    c.CertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no peer certificate provided")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parsing peer certificate: %w", err)
			}
			_, err = c.identify(cert)
			return err
		},
	}
}

// NewMTLSMessenger connects to every other party in config and returns once all
// links are up. Cancelling ctx aborts the setup.
func NewMTLSMessenger(ctx context.Context, config Config) (*MTLSMessenger, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.DialBackoff == 0 {
		config.DialBackoff = defaultDialBackoff
	}
	if config.DialRetries == 0 {
		config.DialRetries = defaultDialRetries
	}

	m := &MTLSMessenger{
		peers:          make(map[int]*peer, len(config.Parties)-1),
		selfIndex:      config.SelfIndex,
		maxMessageSize: config.MaxMessageSize,
		log:            config.Logger.With().Str("component", "mtls").Int("party", config.SelfIndex).Logger(),
	}

	incoming, outgoing := 0, 0
	for i := range config.Parties {
		if i < config.SelfIndex {
			outgoing++
		}
		if i > config.SelfIndex {
			incoming++
		}
	}
	m.log.Info().Int("incoming", incoming).Int("outgoing", outgoing).Msg("establishing connections")

	tlsConfig := config.tlsConfig()
	setupCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if incoming != 0 {
		address := config.Parties[config.SelfIndex].Address
		ln, err := tls.Listen("tcp", address, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("starting server on %s: %w", address, err)
		}
		m.listener = ln
	}
	// Accept does not take a context; closing the listener unblocks it.
	ln := m.listener
	stopClose := context.AfterFunc(setupCtx, func() {
		if ln != nil {
			ln.Close()
		}
	})

	var eg errgroup.Group
	fail := func(err error) error {
		cancel(err)
		return err
	}
	for i := 0; i < incoming; i++ {
		eg.Go(func() error {
			if err := m.accept(setupCtx, &config); err != nil {
				return fail(err)
			}
			return nil
		})
	}
	for i, party := range config.Parties {
		if i >= config.SelfIndex {
			continue
		}
		eg.Go(func() error {
			if err := m.dial(setupCtx, &config, tlsConfig, i, party.Address); err != nil {
				return fail(err)
			}
			return nil
		})
	}

	err := eg.Wait()
	if !stopClose() && err == nil {
		// Every link came up but ctx ended in the meantime.
		err = ctx.Err()
	}
	if err != nil {
		m.Close()
		return nil, err
	}
	m.log.Info().Int("peers", len(m.peers)).Msg("all connections established")
	return m, nil
}

func (m *MTLSMessenger) accept(ctx context.Context, config *Config) error {
	address := config.Parties[config.SelfIndex].Address
	conn, err := m.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("accepting connection on %s: %w", address, err)
	}
	c := conn.(*tls.Conn)

	// Complete the handshake explicitly to get at the peer certificates.
	if err := c.HandshakeContext(ctx); err != nil {
		c.Close()
		return fmt.Errorf("TLS handshake on %s: %w", address, err)
	}
	idx, err := peerIndex(c, config)
	if err != nil {
		c.Close()
		return err
	}
	if idx <= config.SelfIndex {
		c.Close()
		return fmt.Errorf("party %d dialed, but only higher indices dial party %d", idx, config.SelfIndex)
	}
	m.log.Debug().Int("peer", idx).Msg("peer connected")
	return m.addPeer(idx, c)
}

func (m *MTLSMessenger) dial(ctx context.Context, config *Config, tlsConfig *tls.Config, idx int, address string) error {
	backoff := retry.NewExponential(config.DialBackoff)
	backoff = retry.WithCappedDuration(defaultDialBackoffMax, backoff)
	backoff = retry.WithMaxRetries(config.DialRetries, backoff)

	dialer := &tls.Dialer{Config: tlsConfig}
	var c *tls.Conn
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			m.log.Debug().Err(err).Int("peer", idx).Int("attempt", attempt).Msg("dial failed, retrying")
			return retry.RetryableError(err)
		}
		c = conn.(*tls.Conn)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("connecting to party %d at %s: %w", idx, address, err)
	}

	got, err := peerIndex(c, config)
	if err != nil {
		c.Close()
		return err
	}
	if got != idx {
		c.Close()
		return fmt.Errorf("dialed party %d at %s but reached party %d", idx, address, got)
	}
	m.log.Debug().Int("peer", idx).Int("attempts", attempt).Msg("connected to peer")
	return m.addPeer(idx, c)
}

func peerIndex(c *tls.Conn, config *Config) (int, error) {
	certs := c.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return 0, fmt.Errorf("no peer certificates found")
	}
	return config.identify(certs[0])
}

func (m *MTLSMessenger) addPeer(idx int, c *tls.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.peers[idx]; dup {
		c.Close()
		return fmt.Errorf("party %d connected twice", idx)
	}
	m.peers[idx] = &peer{conn: c}
	return nil
}

func (m *MTLSMessenger) peer(idx int) (*peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[idx]
	if !ok {
		return nil, fmt.Errorf("no connection found for party %d", idx)
	}
	return p, nil
}

// withDeadline applies ctx to conn for the duration of one frame. A deadline
// on ctx becomes the connection deadline; cancellation expires it at once.
// A frame cut short this way leaves the stream unusable.
func withDeadline(ctx context.Context, set func(time.Time) error, do func() error) error {
	dl, hasDeadline := ctx.Deadline()
	set(dl)
	stop := context.AfterFunc(ctx, func() { set(time.Now()) })
	err := do()
	stop()
	set(time.Time{})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if hasDeadline && !time.Now().Before(dl) {
			return context.DeadlineExceeded
		}
	}
	return err
}

// MessageSend sends a length-prefixed frame to the specified receiver party.
func (m *MTLSMessenger) MessageSend(ctx context.Context, receiverIndex int, buffer []byte) error {
	p, err := m.peer(receiverIndex)
	if err != nil {
		return err
	}
	if uint64(len(buffer)) > uint64(m.maxMessageSize) {
		return fmt.Errorf("%w: %d bytes to party %d, limit %d", ErrMessageTooLarge, len(buffer), receiverIndex, m.maxMessageSize)
	}

	frame := make([]byte, lengthPrefixSize+len(buffer))
	binary.BigEndian.PutUint32(frame, uint32(len(buffer)))
	copy(frame[lengthPrefixSize:], buffer)

	p.wmu.Lock()
	defer p.wmu.Unlock()
	err = withDeadline(ctx, p.conn.SetWriteDeadline, func() error {
		_, err := p.conn.Write(frame)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing message to party %d: %w", receiverIndex, err)
	}
	return nil
}

// MessageReceive reads the next frame from the specified sender party.
func (m *MTLSMessenger) MessageReceive(ctx context.Context, senderIndex int) ([]byte, error) {
	p, err := m.peer(senderIndex)
	if err != nil {
		return nil, err
	}

	p.rmu.Lock()
	defer p.rmu.Unlock()
	var buffer []byte
	err = withDeadline(ctx, p.conn.SetReadDeadline, func() error {
		var prefix [lengthPrefixSize]byte
		if _, err := io.ReadFull(p.conn, prefix[:]); err != nil {
			return fmt.Errorf("reading message length: %w", err)
		}
		size := binary.BigEndian.Uint32(prefix[:])
		if size > m.maxMessageSize {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, size, m.maxMessageSize)
		}
		buffer = make([]byte, size)
		if _, err := io.ReadFull(p.conn, buffer); err != nil {
			return fmt.Errorf("reading message data: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from party %d: %w", senderIndex, err)
	}
	return buffer, nil
}

// MessagesReceive receives messages from multiple sender parties concurrently.
// The first failure cancels the remaining receives.
func (m *MTLSMessenger) MessagesReceive(ctx context.Context, senderIndices []int) ([][]byte, error) {
	receivedMsgs := make([][]byte, len(senderIndices))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, senderIndex := range senderIndices {
		eg.Go(func() error {
			msg, err := m.MessageReceive(egCtx, senderIndex)
			if err != nil {
				return err
			}
			receivedMsgs[i] = msg
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("receiving messages: %w", err)
	}
	return receivedMsgs, nil
}

// Close closes all connections and the listener. It reports every failure.
func (m *MTLSMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for idx, p := range m.peers {
		if err := p.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing connection to party %d: %w", idx, err))
		}
	}
	m.peers = make(map[int]*peer)

	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}
		m.listener = nil
	}

	err := result.ErrorOrNil()
	if err != nil {
		m.log.Warn().Err(err).Msg("closed with errors")
	} else {
		m.log.Debug().Msg("closed")
	}
	return err
}
