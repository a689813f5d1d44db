// Package safeguard decides which conflicts and overwrites may proceed and
// freezes the result into a plan the executor is allowed to run.
package safeguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/acsync/internal/plan"
	"github.com/schaermu/acsync/internal/syncerr"
)

// Request describes one destination entry that would be replaced
type Request struct {
	Path          string
	SourceModTime time.Time
	DestModTime   time.Time
	// ModTimeDelta is source minus destination modification time
	ModTimeDelta time.Duration
	SourceSize   uint64
	DestSize     uint64
	// SizeDelta is source minus destination size
	SizeDelta int64
	Reason    string
}

// Oracle answers whether an overwrite may proceed
type Oracle interface {
	Confirm(req Request) bool
}

// OracleFunc adapts a function to Oracle
type OracleFunc func(req Request) bool

// Confirm calls f(req)
func (f OracleFunc) Confirm(req Request) bool {
	return f(req)
}

// DenyAll refuses every request
var DenyAll Oracle = OracleFunc(func(Request) bool { return false })

// Authorization records why an overwrite is allowed
type Authorization int

const (
	NotAuthorized Authorization = iota
	// AuthorizedOlder means prompting was off and the destination is strictly older
	AuthorizedOlder
	// AuthorizedConfirmed means the oracle approved the overwrite
	AuthorizedConfirmed
)

func (a Authorization) String() string {
	switch a {
	case AuthorizedOlder:
		return "older"
	case AuthorizedConfirmed:
		return "confirmed"
	}
	return "none"
}

// Resolver applies the overwrite policy to a plan
type Resolver struct {
	// PromptOverrides routes every Conflict and Overwrite through Oracle
	PromptOverrides bool
	Oracle          Oracle

	logger *slog.Logger
	mu     sync.Mutex
}

// NewResolver creates a resolver. A nil oracle denies everything.
func NewResolver(promptOverrides bool, oracle Oracle, logger *slog.Logger) *Resolver {
	if oracle == nil {
		oracle = DenyAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{PromptOverrides: promptOverrides, Oracle: oracle, logger: logger}
}

// Resolve turns every Conflict and Overwrite into either an authorized
// Overwrite or a Skip. The input plan is not modified.
func (r *Resolver) Resolve(ctx context.Context, p *plan.SyncPlan) (*Resolved, error) {
	out := &Resolved{
		items: make([]plan.Item, len(p.Items)),
		auth:  make(map[string]Authorization),
	}
	copy(out.items, p.Items)

	for i := range out.items {
		it := &out.items[i]
		switch it.Action {
		case plan.ActionConflict:
			out.ConflictsResolved++
			if it.Irreconcilable || !r.PromptOverrides {
				r.logger.Debug("skipping conflict", "path", it.Path, "reason", it.Reason)
				it.Action = plan.ActionSkip
				continue
			}
			ok, err := r.ask(ctx, it, out)
			if err != nil {
				return nil, err
			}
			r.settle(it, ok, out)

		case plan.ActionOverwrite:
			if !r.PromptOverrides {
				out.auth[it.Path] = AuthorizedOlder
				continue
			}
			ok, err := r.ask(ctx, it, out)
			if err != nil {
				return nil, err
			}
			r.settle(it, ok, out)
		}
	}
	return out, nil
}

func (r *Resolver) ask(ctx context.Context, it *plan.Item, out *Resolved) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, syncerr.Wrap(err, syncerr.CodeCancelled, it.Path, "resolve overwrites")
	}

	// at most one outstanding oracle call
	r.mu.Lock()
	defer r.mu.Unlock()

	out.Prompted++
	return r.Oracle.Confirm(NewRequest(*it)), nil
}

func (r *Resolver) settle(it *plan.Item, confirmed bool, out *Resolved) {
	if !confirmed {
		r.logger.Info("overwrite declined", "path", it.Path, "reason", it.Reason)
		it.Action = plan.ActionSkip
		it.Reason = "overwrite declined"
		return
	}
	r.logger.Debug("overwrite confirmed", "path", it.Path)
	it.Action = plan.ActionOverwrite
	out.auth[it.Path] = AuthorizedConfirmed
	out.confirmations = append(out.confirmations, it.Path)
}

// NewRequest describes a plan item for an oracle
func NewRequest(it plan.Item) Request {
	req := Request{Path: it.Path, Reason: it.Reason}
	if it.Source != nil {
		req.SourceModTime = it.Source.ModTime
		req.SourceSize = it.Source.Size
	}
	if it.Dest != nil {
		req.DestModTime = it.Dest.ModTime
		req.DestSize = it.Dest.Size
	}
	req.ModTimeDelta = req.SourceModTime.Sub(req.DestModTime)
	req.SizeDelta = int64(req.SourceSize) - int64(req.DestSize)
	return req
}

// Resolved is a plan whose overwrites have been settled. It cannot be
// modified after Resolve returns it.
type Resolved struct {
	items         []plan.Item
	auth          map[string]Authorization
	confirmations []string

	// ConflictsResolved counts Conflict items settled by the resolver
	ConflictsResolved int
	// Prompted counts oracle calls
	Prompted int
}

// Items returns a copy of the settled items in plan order
func (r *Resolved) Items() []plan.Item {
	items := make([]plan.Item, len(r.items))
	copy(items, r.items)
	return items
}

// Len returns the number of items
func (r *Resolved) Len() int {
	return len(r.items)
}

// Authorization returns how the overwrite of path was authorized
func (r *Resolved) Authorization(path string) Authorization {
	return r.auth[path]
}

// Authorized reports whether path may be overwritten
func (r *Resolved) Authorized(path string) bool {
	return r.auth[path] != NotAuthorized
}

// Confirmations returns the paths the oracle approved, in plan order
func (r *Resolved) Confirmations() []string {
	out := make([]string, len(r.confirmations))
	copy(out, r.confirmations)
	return out
}
