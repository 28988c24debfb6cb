package node

import "github.com/regionmesh/regiond/internal/oplog"

// DefaultPendingLimit bounds how many early operations are held across all
// logs.
const DefaultPendingLimit = 1024

type logKey struct {
	author string
	logID  string
}

// pendingOps holds verified operations that arrived before their
// predecessor, until the gap is filled.
type pendingOps struct {
	limit int
	size  int
	logs  map[logKey]map[uint64]*oplog.Operation
}

func newPendingOps(limit int) *pendingOps {
	return &pendingOps{
		limit: limit,
		logs:  make(map[logKey]map[uint64]*oplog.Operation),
	}
}

// hold keeps op until its predecessor is applied. It reports false when the
// buffer is full. A second operation for an already held seq is ignored.
func (p *pendingOps) hold(op *oplog.Operation) bool {
	key := logKey{author: op.Author(), logID: op.Header.LogID()}
	ops, ok := p.logs[key]
	if !ok {
		ops = make(map[uint64]*oplog.Operation)
		p.logs[key] = ops
	}
	if _, ok := ops[op.Header.SeqNum]; ok {
		return true
	}
	if p.size >= p.limit {
		return false
	}
	ops[op.Header.SeqNum] = op
	p.size++
	return true
}

// next removes and returns the held operation following op, if any.
func (p *pendingOps) next(op *oplog.Operation) *oplog.Operation {
	key := logKey{author: op.Author(), logID: op.Header.LogID()}
	ops, ok := p.logs[key]
	if !ok {
		return nil
	}
	seq := op.Header.SeqNum + 1
	next, ok := ops[seq]
	if !ok {
		return nil
	}
	delete(ops, seq)
	p.size--
	if len(ops) == 0 {
		delete(p.logs, key)
	}
	return next
}

func (p *pendingOps) len() int {
	return p.size
}
