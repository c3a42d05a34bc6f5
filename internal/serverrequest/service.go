// Package serverrequest dispatches out-of-band control messages embedded in
// event-batch responses (spec §4.4): each line is "<kind>|<base64 signed
// cookie>", decoded per kind and handed to listeners in registration order.
package serverrequest

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/cookie"
	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/model"
)

// Decoder turns the verified cookie fields for one request kind into a
// typed payload. Decoders must be pure and idempotent (spec §4.4).
type Decoder interface {
	Decode(fields []string) (any, error)
	FieldCount() int
}

// Listener receives a decoded ServerRequest of the kind it was registered
// for.
type Listener func(model.ServerRequest)

type rawRequest struct {
	kind          model.RequestKind
	encodedCookie string
}

// Service is the ServerRequestService.
type Service struct {
	logger  *zap.Logger
	cookies *cookie.Signer

	mu        sync.Mutex
	decoders  map[model.RequestKind]Decoder
	listeners map[model.RequestKind][]Listener

	dequeMu  sync.Mutex
	deque    []rawRequest
	notEmpty *sync.Cond

	inFlightMu sync.Mutex
	inFlight   int
	idle       *sync.Cond
}

// New creates a Service bound to cookies for signature verification.
func New(logger *zap.Logger, cookies *cookie.Signer) *Service {
	s := &Service{
		logger:    logger.Named("serverrequest"),
		cookies:   cookies,
		decoders:  make(map[model.RequestKind]Decoder),
		listeners: make(map[model.RequestKind][]Listener),
	}
	s.notEmpty = sync.NewCond(&s.dequeMu)
	s.idle = sync.NewCond(&s.inFlightMu)
	return s
}

// Name implements lifecycle.Drainable.
func (s *Service) Name() string { return "serverrequest" }

// RegisterDecoder installs the decoder for kind. Must be called before
// HandleSection observes that kind.
func (s *Service) RegisterDecoder(kind model.RequestKind, d Decoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoders[kind] = d
}

// RegisterListener appends l to the listeners for kind, invoked in this
// registration order on dispatch.
func (s *Service) RegisterListener(kind model.RequestKind, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[kind] = append(s.listeners[kind], l)
}

// HandleSection is registered with connection.Manager as the handler for
// the "#requests" section: each line is "<kind>|<base64-cookie>".
func (s *Service) HandleSection(lines []string) {
	for _, line := range lines {
		kind, encoded, ok := strings.Cut(line, "|")
		if !ok {
			s.logger.Warn("serverrequest: malformed request line, skipping", zap.String("line", line))
			continue
		}
		s.push(rawRequest{kind: model.RequestKind(kind), encodedCookie: encoded})
	}
}

func (s *Service) push(r rawRequest) {
	s.dequeMu.Lock()
	s.deque = append(s.deque, r)
	s.dequeMu.Unlock()
	s.notEmpty.Signal()

	s.inFlightMu.Lock()
	s.inFlight++
	s.inFlightMu.Unlock()
}

func (s *Service) pop() (rawRequest, bool) {
	s.dequeMu.Lock()
	defer s.dequeMu.Unlock()
	for len(s.deque) == 0 {
		return rawRequest{}, false
	}
	r := s.deque[0]
	s.deque = s.deque[1:]
	return r, true
}

// Run drains the deque with a single worker until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.dequeMu.Lock()
		s.notEmpty.Broadcast()
		s.dequeMu.Unlock()
		close(stopped)
	}()

	for {
		r, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.dequeMu.Lock()
			for len(s.deque) == 0 && ctx.Err() == nil {
				s.notEmpty.Wait()
			}
			s.dequeMu.Unlock()
			if ctx.Err() != nil {
				return
			}
			continue
		}
		s.dispatch(r)
	}
}

func (s *Service) dispatch(r rawRequest) {
	defer func() {
		s.inFlightMu.Lock()
		s.inFlight--
		if s.inFlight == 0 {
			s.idle.Broadcast()
		}
		s.inFlightMu.Unlock()
	}()

	s.mu.Lock()
	decoder, hasDecoder := s.decoders[r.kind]
	listeners := append([]Listener(nil), s.listeners[r.kind]...)
	s.mu.Unlock()

	if !hasDecoder {
		s.logger.Warn("serverrequest: no decoder registered for kind", zap.String("kind", string(r.kind)))
		return
	}

	fields, err := s.cookies.Decode(r.encodedCookie, decoder.FieldCount())
	if err != nil {
		s.logger.Warn("serverrequest: cookie rejected", zap.String("kind", string(r.kind)), zap.Error(err))
		return
	}

	payload, err := decoder.Decode(fields)
	if err != nil {
		s.logger.Warn("serverrequest: decode failed", zap.String("kind", string(r.kind)), zap.Error(err))
		return
	}

	req := model.ServerRequest{Kind: r.kind, Cookie: []byte(r.encodedCookie), Payload: payload}
	for _, l := range listeners {
		l(req)
	}
}

// Stop implements lifecycle.Drainable: waits for in-flight dispatch work to
// finish, up to deadline.
func (s *Service) Stop(deadline lifecycle.Deadline) error {
	done := make(chan struct{})
	go func() {
		s.inFlightMu.Lock()
		for s.inFlight > 0 {
			s.idle.Wait()
		}
		s.inFlightMu.Unlock()
		close(done)
	}()

	ctx, cancel := deadline.Context(context.Background())
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}
