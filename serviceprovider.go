package netdicom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giesekow/dicomlink/sopclass"
	"github.com/sirupsen/logrus"
)

// ServiceProviderParams configures a C-ECHO/C-STORE acceptor.
type ServiceProviderParams struct {
	// AETitle is the title the provider logs itself as.
	AETitle string
	// ListenAddr is the "host:port" Run listens on.
	ListenAddr string

	// Endpoints maps each served called AE title to the store of the images
	// sent to it. A request for any other called AE title is rejected. When
	// empty, any called AE title is accepted and C-STORE fails.
	Endpoints map[string]ImageStore
	// RemoteAETitles, if non-empty, is the allow-list of calling AE titles.
	RemoteAETitles []string

	// Registry defaults to sopclass.NewRegistry().
	Registry *sopclass.Registry

	MaxPDUSize     int
	ReadBufferSize int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ARTIMTimeout   time.Duration

	// Notifier, if set, is signaled with the number of images stored by
	// each released association. Aborted associations do not signal, even
	// when some of their images were committed.
	Notifier *ArrivalNotifier

	Log logrus.FieldLogger

	// NewFaultInjector, if set, creates the fault injector of each session.
	// For tests.
	NewFaultInjector func() *FaultInjector
}

// ServiceProvider accepts associations and serves C-ECHO and C-STORE, one
// goroutine per connection.
type ServiceProvider struct {
	params    ServiceProviderParams
	session   sessionParams
	log       logrus.FieldLogger
	listening atomic.Bool
	seq       atomic.Int64
}

func NewServiceProvider(params ServiceProviderParams) (*ServiceProvider, error) {
	if params.Log == nil {
		params.Log = logrus.StandardLogger()
	}
	sp := &ServiceProvider{
		params: params,
		log:    params.Log.WithField("ae_title", params.AETitle),
		session: sessionParams{
			registry:       params.Registry,
			maxPDUSize:     params.MaxPDUSize,
			readBufferSize: params.ReadBufferSize,
			readTimeout:    params.ReadTimeout,
			writeTimeout:   params.WriteTimeout,
			artimTimeout:   params.ARTIMTimeout,
			endpoints:      make(map[string]ImageStore),
			remoteAETitles: make(map[string]bool),
			log:            params.Log,
		},
	}
	for ae, store := range params.Endpoints {
		ae = strings.TrimSpace(ae)
		if ae == "" || len(ae) > 16 {
			return nil, fmt.Errorf("netdicom: invalid endpoint AE title %q", ae)
		}
		if store == nil {
			return nil, fmt.Errorf("netdicom: endpoint %s has no store", ae)
		}
		sp.session.endpoints[ae] = store
	}
	for _, ae := range params.RemoteAETitles {
		sp.session.remoteAETitles[strings.TrimSpace(ae)] = true
	}
	sp.session.applyDefaults()
	return sp, nil
}

// Listening is true while the accept loop runs.
func (sp *ServiceProvider) Listening() bool { return sp.listening.Load() }

// Run listens on params.ListenAddr and serves until ctx is done.
func (sp *ServiceProvider) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", sp.params.ListenAddr)
	if err != nil {
		return err
	}
	return sp.Serve(ctx, l)
}

// Serve accepts connections from listener until ctx is cancelled or the
// listener fails. It closes listener and waits for the running associations
// before it returns.
func (sp *ServiceProvider) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	sp.listening.Store(true)
	defer sp.listening.Store(false)
	sp.log.WithField("address", listener.Addr().String()).Info("listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				sp.log.WithError(err).Warn("accept timeout")
				continue
			}
			serveErr = err
			break
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			sp.ServeConn(ctx, c)
		}(conn)
	}
	wg.Wait()
	sp.log.Info("stopped listening")
	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

// ServeConn runs one association on conn to completion and returns its
// session. conn is closed on return.
func (sp *ServiceProvider) ServeConn(ctx context.Context, conn net.Conn) *Session {
	label := fmt.Sprintf("sp%d", sp.seq.Add(1))
	var faults *FaultInjector
	if sp.params.NewFaultInjector != nil {
		faults = sp.params.NewFaultInjector()
	}
	s := newSession(label, false, sp.session, faults)
	s.log.WithField("remote", conn.RemoteAddr().String()).Debug("accepted connection")
	s.enqueue(stateEvent{event: evt05, conn: conn})
	s.run(ctx, nil)
	if n := s.StoredImages(); n > 0 && s.Released() && sp.params.Notifier != nil {
		sp.params.Notifier.Signal(n)
	}
	return s
}
