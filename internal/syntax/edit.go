package syntax

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/internal/taskq"
)

// editState carries one edit through a synchronous attempt and any
// queued continuation.
type editState struct {
	edit     Edit
	old, cur Text
	gen      uint64
	epoch    uint64
	done     func(EditResult)

	started bool
	index   int             // next layer to parse, counting down
	shifted map[*layer]bool // layers whose tree and ranges have seen the edit
	resume  bool            // the parser holds a cancelled parse of layers[index]
	changed []interval.Range
}

// ApplyEdit re-parses every layer for an edit that turned the previous
// text into text.  The result is passed to done exactly once.  When the
// work fits the time budget done is called before ApplyEdit returns nil;
// otherwise the rest is queued, ApplyEdit returns ErrDeferred and done is
// called from the queue.  Edits made while earlier ones are still queued
// are queued behind them.
func (c *Client) ApplyEdit(e Edit, text Text, done func(EditResult)) error {
	res, err := c.applyEdit(e, text, done)
	if err != nil {
		return err
	}
	if done != nil {
		done(res)
	}
	return nil
}

func (c *Client) applyEdit(e Edit, text Text, done func(EditResult)) (EditResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return EditResult{}, err
	}
	defer c.abandon()
	c.gen++
	es := &editState{
		edit:    e,
		old:     c.latest,
		cur:     text,
		gen:     c.gen,
		epoch:   c.epoch,
		done:    done,
		shifted: make(map[*layer]bool, len(c.layers)),
	}
	c.latest = text

	if c.inflight > 0 {
		c.inflight++
		c.enqueueEdit(es)
		return EditResult{}, ErrDeferred
	}
	res, finished := c.runEdit(es, c.deadline())
	if !finished {
		c.inflight++
		c.state = editing
		c.enqueueEdit(es)
		c.log.Debug("edit deferred", zap.Int("layer", es.index))
		return EditResult{}, ErrDeferred
	}
	return res, nil
}

func (c *Client) enqueueEdit(es *editState) {
	c.q.Enqueue(taskq.Edit, "apply-edit", func(ctx context.Context) error {
		res, ok := c.finishEdit(es)
		if ok && es.done != nil {
			es.done(res)
		}
		return nil
	})
}

// finishEdit completes a deferred edit on the queue.  It reports false when
// the edit was dropped by Close or a later SetUp.
func (c *Client) finishEdit(es *editState) (EditResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == destroyed || es.epoch != c.epoch {
		return EditResult{}, false
	}
	defer c.abandon()
	res, _ := c.runEdit(es, noDeadline)
	c.inflight--
	if c.inflight == 0 {
		c.state = parsed
	}
	return res, true
}

// runEdit processes layers from es.index down to the primary, then
// reconciles injections.  It reports false, leaving es ready to resume,
// when a parse passes the deadline.  Must be called with c.mu held.
func (c *Client) runEdit(es *editState, deadline time.Time) (EditResult, bool) {
	if !es.started {
		es.started = true
		es.index = len(c.layers) - 1
	}
	for ; es.index >= 0; es.index-- {
		l := c.layers[es.index]
		if !es.shifted[l] {
			es.shifted[l] = true
			if !l.primary() && !l.shift(es.edit, es.cur) {
				c.log.Debug("injected layer emptied", zap.String("language", l.grammar.ID))
				l.close()
				c.layers = append(c.layers[:es.index], c.layers[es.index+1:]...)
				continue
			}
			l.tree.Edit(es.edit.inputEdit(es.old, es.cur))
			es.resume = false
		}
		if !es.resume {
			if err := c.prepare(l); err != nil {
				c.log.Warn("prepare layer", zap.String("layer", l.key()), zap.Error(err))
				continue
			}
		}
		tree := c.parse(es.cur, l.tree, deadline)
		if tree == nil {
			if deadline.IsZero() {
				c.log.Warn("incremental parse failed", zap.String("layer", l.key()))
				es.resume = false
				continue
			}
			es.resume = true
			return EditResult{}, false
		}
		es.resume = false
		for _, r := range l.tree.ChangedRanges(tree) {
			es.changed = append(es.changed, interval.R(int(r.StartByte), int(r.EndByte)))
		}
		l.tree.Close()
		l.tree = tree
	}

	es.changed = append(es.changed, c.reconcile(es.cur)...)
	es.changed = append(es.changed, es.edit.Inserted())
	c.text = es.cur
	return EditResult{
		Changed:    mergeRanges(es.changed, es.cur.Len()),
		Generation: es.gen,
	}, true
}

// mergeRanges clips rs to [0, limit), drops empty ranges, and merges
// overlapping or touching ones.
func mergeRanges(rs []interval.Range, limit int) []interval.Range {
	doc := interval.R(0, limit)
	out := make([]interval.Range, 0, len(rs))
	for _, r := range rs {
		if r = r.Intersect(doc); !r.Empty() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
