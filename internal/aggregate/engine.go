// Package aggregate folds normalized inspection events into per-brand and
// per-model sufficient statistics. Events are sharded across workers by
// license plate hash; each worker accumulates into private maps and the
// shard results are merged once at the end, so no locks sit on the hot path
// and the merged totals are identical to a serial pass.
package aggregate

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/apklens/apklens/internal/core/stats"
	"github.com/apklens/apklens/internal/normalize"
)

// Result holds the sealed aggregation output.
type Result struct {
	Brands  map[stats.Key]*stats.Stats
	Models  map[stats.Key]*stats.Stats
	Overall *stats.Stats
}

// Producer feeds events into the engine, returning once the source is
// exhausted.
type Producer func(ctx context.Context, emit func(normalize.Event) error) error

// Engine runs the sharded aggregation.
type Engine struct {
	shards  int
	bufSize int
}

// NewEngine creates an engine with the given worker shard count.
func NewEngine(shards int) *Engine {
	if shards < 1 {
		shards = 1
	}
	return &Engine{shards: shards, bufSize: 256}
}

type shardAcc struct {
	brands  map[stats.Key]*stats.Stats
	models  map[stats.Key]*stats.Stats
	overall *stats.Stats
}

func newShardAcc() *shardAcc {
	return &shardAcc{
		brands:  make(map[stats.Key]*stats.Stats),
		models:  make(map[stats.Key]*stats.Stats),
		overall: stats.New(),
	}
}

func (a *shardAcc) observe(e normalize.Event) {
	brandKey := stats.Key{Brand: e.Brand}
	s := a.brands[brandKey]
	if s == nil {
		s = stats.New()
		a.brands[brandKey] = s
	}
	s.Observe(e.Obs)

	if e.Model != "" {
		modelKey := stats.Key{Brand: e.Brand, Model: e.Model}
		m := a.models[modelKey]
		if m == nil {
			m = stats.New()
			a.models[modelKey] = m
		}
		m.Observe(e.Obs)
	}

	a.overall.Observe(e.Obs)
}

// Run consumes the producer's events and returns the sealed result. The
// shard for an event is its plate hash, so any split of the input produces
// the same merged statistics.
func (e *Engine) Run(ctx context.Context, produce Producer) (*Result, error) {
	chans := make([]chan normalize.Event, e.shards)
	accs := make([]*shardAcc, e.shards)
	for i := range chans {
		chans[i] = make(chan normalize.Event, e.bufSize)
		accs[i] = newShardAcc()
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < e.shards; i++ {
		i := i
		g.Go(func() error {
			for ev := range chans[i] {
				accs[i].observe(ev)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range chans {
				close(ch)
			}
		}()
		return produce(gctx, func(ev normalize.Event) error {
			shard := e.shardFor(ev.Obs.VehicleID)
			select {
			case chans[shard] <- ev:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeAndSeal(accs), nil
}

func (e *Engine) shardFor(plate string) int {
	h := fnv.New32a()
	h.Write([]byte(plate))
	return int(h.Sum32() % uint32(e.shards))
}

func mergeAndSeal(accs []*shardAcc) *Result {
	res := &Result{
		Brands:  make(map[stats.Key]*stats.Stats),
		Models:  make(map[stats.Key]*stats.Stats),
		Overall: stats.New(),
	}
	for _, acc := range accs {
		for key, s := range acc.brands {
			dst := res.Brands[key]
			if dst == nil {
				dst = stats.New()
				res.Brands[key] = dst
			}
			dst.Merge(s)
		}
		for key, s := range acc.models {
			dst := res.Models[key]
			if dst == nil {
				dst = stats.New()
				res.Models[key] = dst
			}
			dst.Merge(s)
		}
		res.Overall.Merge(acc.overall)
	}

	for _, s := range res.Brands {
		s.Seal()
	}
	for _, s := range res.Models {
		s.Seal()
	}
	res.Overall.Seal()
	return res
}
