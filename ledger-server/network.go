package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

var ErrUnknownPeer = errors.New("unknown peer")

// Network is the in-memory unicast transport between peers.
// Every send runs in its own goroutine and is abandoned when its context is cancelled.
type Network struct {
	mx        sync.RWMutex
	inboxes   map[command.PeerID]chan Message
	inboxSize int

	delay *poissonDelay
	wg    sync.WaitGroup
}

func NewNetwork(cfg NetworkConfig) *Network {
	var n = &Network{
		inboxes:   make(map[command.PeerID]chan Message),
		inboxSize: cfg.InboxSize,
	}

	if n.inboxSize <= 0 {
		n.inboxSize = 1024
	}

	if cfg.TransmissionDelayMs > 0 {
		n.delay = newPoissonDelay(cfg.TransmissionDelayMs, cfg.Seed)
	}

	return n
}

// Join registers id and returns the receive side of its inbox.
func (n *Network) Join(id command.PeerID) <-chan Message {
	n.mx.Lock()
	defer n.mx.Unlock()

	if inbox, ok := n.inboxes[id]; ok {
		return inbox
	}

	var inbox = make(chan Message, n.inboxSize)
	n.inboxes[id] = inbox
	return inbox
}

func (n *Network) Send(ctx context.Context, to command.PeerID, msg Message) error {
	n.mx.RLock()
	var inbox, ok = n.inboxes[to]
	n.mx.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if n.delay != nil {
			var timer = time.NewTimer(n.delay.next())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		select {
		case inbox <- msg:
		case <-ctx.Done():
		}
	}()

	return nil
}

// Broadcast sends msg to every peer of to. Unknown peers are skipped and reported together.
func (n *Network) Broadcast(ctx context.Context, to []command.PeerID, msg Message) error {
	var errs []error
	for _, id := range to {
		if err := n.Send(ctx, id, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every in-flight send was delivered or abandoned.
func (n *Network) Wait() {
	n.wg.Wait()
}

// poissonDelay draws transmission delays in milliseconds
type poissonDelay struct {
	mx   sync.Mutex
	dist distuv.Poisson
}

func newPoissonDelay(meanMs float64, seed uint64) *poissonDelay {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &poissonDelay{
		dist: distuv.Poisson{
			Lambda: meanMs,
			Src:    rand.New(rand.NewSource(seed)),
		},
	}
}

func (d *poissonDelay) next() time.Duration {
	d.mx.Lock()
	defer d.mx.Unlock()

	return time.Duration(d.dist.Rand() * float64(time.Millisecond))
}
