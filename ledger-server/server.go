package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Konstantsiy/byzantine-ledger/command"
	"github.com/Konstantsiy/byzantine-ledger/coordinator"
)

var ErrShutdownTimeout = errors.New("peers did not acknowledge shutdown in time")

// System wires the network, the coordinator and every peer of one ledger deployment.
type System struct {
	cfg *Config

	network     *Network
	coordinator *coordinator.Coordinator
	peers       map[command.PeerID]*Peer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mx     sync.Mutex
	faults []error

	logger *slog.Logger
}

func NewSystem(cfg *Config, logger *slog.Logger) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	var s = &System{
		cfg:     cfg,
		network: NewNetwork(cfg.Network),
		coordinator: coordinator.New(coordinator.Config{
			Quorum:         cfg.NAck(),
			BufferSize:     cfg.Coordinator.BufferSize,
			ConsensusDelay: time.Duration(cfg.Coordinator.ConsensusDelayMs) * time.Millisecond,
		}, logger),
		peers:  make(map[command.PeerID]*Peer),
		logger: logger,
	}

	var allReplicas = cfg.AllReplicaIDs()

	for _, id := range cfg.ClientIDs() {
		var peerLogger = logger.With("peer", id, "role", RoleClient)
		var handler = newClientHandler(clientConfig{
			id:       id,
			replicas: allReplicas,
			nAck:     cfg.NAck(),
			faulty:   cfg.Cluster.FaultyReplicas,
		}, s.network, peerLogger)

		s.addPeer(id, RoleClient, handler, peerLogger)
	}

	for _, id := range cfg.FaultyClientIDs() {
		var peerLogger = logger.With("peer", id, "role", RoleFaultyClient)
		s.addPeer(id, RoleFaultyClient, &faultyHandler{logger: peerLogger}, peerLogger)
	}

	for _, id := range cfg.ReplicaIDs() {
		var peerLogger = logger.With("peer", id, "role", RoleReplica)
		var handler = newReplicaHandler(replicaConfig{
			id:           id,
			peers:        without(allReplicas, id),
			roundTimeout: cfg.Timeouts.Round,
			storage:      cfg.Storage,
		}, s.network, s.coordinator, s.coordinator.Subscribe(), s.network.Join(id), peerLogger)

		s.addPeer(id, RoleReplica, handler, peerLogger)
	}

	for _, id := range cfg.FaultyReplicaIDs() {
		var peerLogger = logger.With("peer", id, "role", RoleFaultyReplica)
		s.addPeer(id, RoleFaultyReplica, &faultyHandler{logger: peerLogger}, peerLogger)
	}

	return s, nil
}

func (s *System) addPeer(id command.PeerID, role Role, handler Handler, logger *slog.Logger) {
	var peer = NewPeer(id, role, s.network.Join(id), handler, logger)
	peer.onFault = s.reportFault
	s.peers[id] = peer
}

func (s *System) reportFault(id command.PeerID, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.faults = append(s.faults, fmt.Errorf("peer %d: %w", id, err))
}

// Start runs the coordinator and every peer until Shutdown or until ctx is cancelled.
func (s *System) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.coordinator.Run(ctx)
	}()

	for _, peer := range s.peers {
		s.wg.Add(1)
		go func(p *Peer) {
			defer s.wg.Done()
			p.Run(ctx)
		}(peer)
	}

	s.logger.Info("system started",
		"clients", len(s.cfg.ClientIDs()),
		"faulty_clients", len(s.cfg.FaultyClientIDs()),
		"replicas", len(s.cfg.ReplicaIDs()),
		"faulty_replicas", len(s.cfg.FaultyReplicaIDs()),
		"n_ack", s.cfg.NAck(),
	)
}

// Shutdown asks every peer to stop, replicas flush their transaction log first.
// Peers that do not answer within the shutdown timeout are abandoned.
func (s *System) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Shutdown)
	defer cancel()

	type answer struct {
		id  command.PeerID
		err error
	}

	var answers = make(chan answer, len(s.peers))
	for id, peer := range s.peers {
		go func(id command.PeerID, p *Peer) {
			var done = make(chan error, 1)
			if err := p.Instruct(ctx, Instruction{Kind: InstructionShutdown, Done: done}); err != nil {
				if errors.Is(err, ErrPeerStopped) {
					err = nil
				}
				answers <- answer{id: id, err: err}
				return
			}

			select {
			case err := <-done:
				answers <- answer{id: id, err: err}
			case <-ctx.Done():
				answers <- answer{id: id, err: ctx.Err()}
			}
		}(id, peer)
	}

	var (
		errs      []error
		abandoned []command.PeerID
	)
	for range s.peers {
		var a = <-answers
		switch {
		case errors.Is(a.err, context.DeadlineExceeded), errors.Is(a.err, context.Canceled):
			abandoned = append(abandoned, a.id)
		case a.err != nil:
			errs = append(errs, fmt.Errorf("peer %d: %w", a.id, a.err))
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.network.Wait()

	if len(abandoned) > 0 {
		sort.Slice(abandoned, func(i, j int) bool { return abandoned[i] < abandoned[j] })
		s.logger.Warn("peers abandoned on shutdown", "peers", abandoned)
		errs = append(errs, fmt.Errorf("%w: %v", ErrShutdownTimeout, abandoned))
	}

	s.logger.Info("system stopped")
	return errors.Join(errs...)
}

// Err returns the liveness faults reported by peers so far.
func (s *System) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	return errors.Join(s.faults...)
}

func (s *System) Config() *Config {
	return s.cfg
}

// Submit hands a command to its issuing client and returns the channel its accepted result is delivered to.
func (s *System) Submit(ctx context.Context, cmd command.Command) (<-chan Feedback, error) {
	var peer, err = s.peer(cmd.Issuer, RoleClient)
	if err != nil {
		return nil, err
	}

	var (
		feedback = make(chan Feedback, 1)
		done     = make(chan error, 1)
	)

	if err = peer.Instruct(ctx, Instruction{Kind: InstructionExecute, Command: cmd, Feedback: feedback, Done: done}); err != nil {
		return nil, err
	}

	select {
	case err = <-done:
		if err != nil {
			return nil, err
		}
		return feedback, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute issues action on behalf of client and waits for the accepted result.
func (s *System) Execute(ctx context.Context, client command.PeerID, action command.Action) (Feedback, error) {
	var feedback, err = s.Submit(ctx, command.New(client, action))
	if err != nil {
		return Feedback{}, err
	}

	select {
	case fb := <-feedback:
		return fb, nil
	case <-ctx.Done():
		return Feedback{}, ctx.Err()
	}
}

// Testing sends a liveness probe to every honest peer.
func (s *System) Testing(ctx context.Context) error {
	var errs []error
	for _, id := range append(s.cfg.ClientIDs(), s.cfg.ReplicaIDs()...) {
		if err := s.instruct(ctx, s.peers[id], Instruction{Kind: InstructionTesting}); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *System) ReplicaStatus(ctx context.Context, id command.PeerID) (Status, error) {
	var peer, err = s.peer(id, RoleReplica)
	if err != nil {
		return Status{}, err
	}
	return s.inspect(ctx, peer)
}

func (s *System) ClientStatus(ctx context.Context, id command.PeerID) (Status, error) {
	var peer, err = s.peer(id, RoleClient)
	if err != nil {
		return Status{}, err
	}
	return s.inspect(ctx, peer)
}

func (s *System) inspect(ctx context.Context, peer *Peer) (Status, error) {
	var status = make(chan Status, 1)
	if err := s.instruct(ctx, peer, Instruction{Kind: InstructionInspect, Status: status}); err != nil {
		return Status{}, err
	}

	select {
	case st := <-status:
		return st, nil
	default:
		return Status{}, fmt.Errorf("peer %d returned no status", peer.ID)
	}
}

// instruct sends ins and waits for its completion.
func (s *System) instruct(ctx context.Context, peer *Peer, ins Instruction) error {
	var done = make(chan error, 1)
	ins.Done = done

	if err := peer.Instruct(ctx, ins); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *System) peer(id command.PeerID, role Role) (*Peer, error) {
	var peer, ok = s.peers[id]
	if !ok || peer.Role != role {
		return nil, fmt.Errorf("%w: no %s with id %d", ErrUnknownPeer, role, id)
	}
	return peer, nil
}

func without(ids []command.PeerID, id command.PeerID) []command.PeerID {
	var res = make([]command.PeerID, 0, len(ids))
	for _, other := range ids {
		if other != id {
			res = append(res, other)
		}
	}
	return res
}
