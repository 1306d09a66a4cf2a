package process

import (
	"sync"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
)

// stopBus collects stop votes. The first vote closes Done, every vote is
// kept for the verdict.
type stopBus struct {
	mx    sync.Mutex
	votes []model.Vote
	done  chan struct{}
	once  sync.Once
}

func newStopBus() *stopBus {
	return &stopBus{done: make(chan struct{})}
}

func (b *stopBus) Vote(code int, reason string) {
	b.mx.Lock()
	b.votes = append(b.votes, model.Vote{Code: code, Reason: reason})
	b.mx.Unlock()
	b.once.Do(func() { close(b.done) })
}

func (b *stopBus) Done() <-chan struct{} {
	return b.done
}

func (b *stopBus) Stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// First returns the vote that triggered the stop.
func (b *stopBus) First() (model.Vote, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if len(b.votes) == 0 {
		return model.Vote{}, false
	}
	return b.votes[0], true
}

func (b *stopBus) Votes() []model.Vote {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]model.Vote(nil), b.votes...)
}

// pipeline is the output channel. Producers never block: records are queued
// and fanned out to the listeners by drain. Once drain returned, records are
// handed to the listeners directly.
type pipeline struct {
	mx       sync.Mutex
	queue    []model.Record
	notify   chan struct{}
	finished bool

	dispatchMx sync.Mutex
	listeners  []monitor.Monitor
}

func newPipeline(listeners []monitor.Monitor) *pipeline {
	return &pipeline{
		notify:    make(chan struct{}, 1),
		listeners: listeners,
	}
}

func (p *pipeline) Emit(rec model.Record) {
	p.mx.Lock()
	if p.finished {
		p.mx.Unlock()
		p.dispatch(rec)
		return
	}
	p.queue = append(p.queue, rec)
	p.mx.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pipeline) dispatch(rec model.Record) {
	p.dispatchMx.Lock()
	defer p.dispatchMx.Unlock()
	for _, l := range p.listeners {
		l.Log(rec)
	}
}

// drain delivers queued records until window has passed since stopping was
// closed and the queue is empty.
func (p *pipeline) drain(stopping <-chan struct{}, window time.Duration) {
	var (
		deadline <-chan time.Time
		expired  bool
	)
	for {
		p.mx.Lock()
		batch := p.queue
		p.queue = nil
		if len(batch) == 0 && expired {
			p.finished = true
			p.mx.Unlock()
			return
		}
		p.mx.Unlock()

		for _, rec := range batch {
			p.dispatch(rec)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-p.notify:
		case <-stopping:
			stopping = nil
			timer := time.NewTimer(window)
			defer timer.Stop()
			deadline = timer.C
		case <-deadline:
			expired = true
		}
	}
}
