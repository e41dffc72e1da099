package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pending describes a request held for a decision. ID is the handle a
// decision is addressed to. The gate sets it to the call id; hosts that relay
// requests from nested sessions may qualify it.
type Pending struct {
	ID        string
	SessionID string
	Turn      int
	Request   Request
	Risk      RiskLevel
}

// Decider supplies decisions for pending requests. Implementations must
// return when ctx is cancelled.
type Decider interface {
	Decide(ctx context.Context, p Pending) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, p Pending) (Decision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, p Pending) (Decision, error) { return f(ctx, p) }

// Notifier is told about every request entering StatePending. It runs on
// the caller's goroutine and may call Gate.Decide.
type Notifier func(Pending)

// Gate classifies tool call requests and collects decisions for the ones
// that need them.
type Gate struct {
	policy    Policy
	decider   Decider
	notifier  Notifier
	ledger    *Ledger
	logger    *zap.Logger
	sessionID string

	mu    sync.Mutex
	index map[string]*Round
}

// Option configures a Gate.
type Option func(*Gate)

// WithDecider sets the collaborator asked for each pending decision.
func WithDecider(d Decider) Option { return func(g *Gate) { g.decider = d } }

// WithNotifier sets the pending-request callback.
func WithNotifier(n Notifier) Option { return func(g *Gate) { g.notifier = n } }

// WithLedger records every outcome in l.
func WithLedger(l *Ledger) Option { return func(g *Gate) { g.ledger = l } }

// WithSessionID tags pending requests and ledger records.
func WithSessionID(id string) Option { return func(g *Gate) { g.sessionID = id } }

// WithLogger sets the gate logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l.Named("approval")
		}
	}
}

// NewGate creates a gate enforcing policy.
func NewGate(policy Policy, opts ...Option) (*Gate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Mode == "" {
		policy.Mode = ModeManual
	}
	g := &Gate{
		policy: policy,
		logger: zap.NewNop(),
		index:  make(map[string]*Round),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Policy returns the gate policy.
func (g *Gate) Policy() Policy { return g.policy }

// Open starts a round for the requests of one turn. Requests that need no
// decision are auto-approved immediately; the rest are pending until
// decided. The round must be closed by the caller.
func (g *Gate) Open(ctx context.Context, turn int, reqs []Request) (*Round, error) {
	rctx, cancel := context.WithCancel(ctx)
	r := &Round{
		gate:    g,
		turn:    turn,
		ctx:     rctx,
		cancel:  cancel,
		tickets: make(map[string]*Ticket, len(reqs)),
		done:    make(chan struct{}),
	}

	var pending []Pending
	var autos []*Ticket
	for _, req := range reqs {
		if req.CallID == "" {
			cancel()
			return nil, fmt.Errorf("%w: %s has no call id", ErrUnknownRequest, req.ToolName)
		}
		if _, dup := r.tickets[req.CallID]; dup {
			cancel()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.CallID)
		}
		risk := g.policy.RiskOf(req.ToolName, req.Risk)
		t := &Ticket{
			Request:   req,
			Risk:      risk,
			State:     StateRequested,
			Arguments: req.Arguments,
			History:   []State{StateRequested},
		}
		if g.policy.requires(req, risk) {
			_ = t.move(StatePending)
			r.remaining++
			pending = append(pending, Pending{ID: req.CallID, SessionID: g.sessionID, Turn: turn, Request: req, Risk: risk})
		} else {
			_ = t.move(StateAutoApproved)
			autos = append(autos, t)
		}
		r.tickets[req.CallID] = t
		r.order = append(r.order, req.CallID)
	}
	if r.remaining == 0 {
		r.closeDone()
	}

	g.mu.Lock()
	for _, id := range r.order {
		if _, busy := g.index[id]; busy {
			g.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: %s is open in another round", ErrDuplicateRequest, id)
		}
	}
	for _, id := range r.order {
		g.index[id] = r
	}
	g.mu.Unlock()

	for _, t := range autos {
		g.record(turn, t.Request, t.Risk, DecisionAuto, "")
	}
	g.logger.Debug("approval round opened",
		zap.Int("turn", turn),
		zap.Int("requests", len(reqs)),
		zap.Int("pending", len(pending)),
	)

	for _, p := range pending {
		if g.notifier != nil {
			g.notifier(p)
		}
		if g.decider != nil {
			r.wg.Add(1)
			go r.ask(p)
		}
	}
	return r, nil
}

// Decide resolves the pending request callID. A request can be decided
// exactly once.
func (g *Gate) Decide(callID string, d Decision) error {
	if err := d.validate(); err != nil {
		return err
	}
	g.mu.Lock()
	r := g.index[callID]
	g.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, callID)
	}
	return r.decide(callID, d)
}

func (g *Gate) record(turn int, req Request, risk RiskLevel, decision, reason string) {
	if g.ledger == nil {
		return
	}
	_, err := g.ledger.Append(Record{
		SessionID: g.sessionID,
		Turn:      turn,
		CallID:    req.CallID,
		ToolName:  req.ToolName,
		Risk:      risk.String(),
		Arguments: string(req.Arguments),
		Decision:  decision,
		Reason:    reason,
	})
	if err != nil {
		g.logger.Warn("approval ledger append failed", zap.String("call_id", req.CallID), zap.Error(err))
	}
}

func (g *Gate) release(r *Round) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range r.order {
		if g.index[id] == r {
			delete(g.index, id)
		}
	}
}

// Round holds the tickets of one turn.
type Round struct {
	gate   *Gate
	turn   int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.Mutex
	tickets   map[string]*Ticket
	order     []string
	remaining int
	done      chan struct{}
	closed    bool
}

func (r *Round) ask(p Pending) {
	defer r.wg.Done()
	d, err := r.gate.decider.Decide(r.ctx, p)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.gate.logger.Warn("approval decider failed, rejecting",
			zap.String("call_id", p.Request.CallID), zap.Error(err))
		d = Reject(fmt.Sprintf("approval decider failed: %v", err))
	}
	err = r.gate.Decide(p.Request.CallID, d)
	if err != nil && !errors.Is(err, ErrAlreadyDecided) && !errors.Is(err, ErrUnknownRequest) {
		r.gate.logger.Warn("approval decision not applied",
			zap.String("call_id", p.Request.CallID), zap.Error(err))
	}
}

func (r *Round) decide(callID string, d Decision) error {
	r.mu.Lock()
	t, ok := r.tickets[callID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, callID)
	}
	if t.Decision != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, callID)
	}
	if t.State != StatePending {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, callID, t.State)
	}

	var err error
	switch d.Kind {
	case DecisionApprove:
		err = t.move(StateApproved)
	case DecisionApproveWithEdit:
		t.Arguments = append([]byte(nil), d.Arguments...)
		err = t.move(StateApproved)
	case DecisionReject:
		if d.Reason == "" {
			d.Reason = "rejected by reviewer"
		}
		err = t.move(StateRejected)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t.Decision = &d
	r.remaining--
	if r.remaining == 0 {
		r.closeDone()
	}
	req, risk := t.Request, t.Risk
	if d.Kind == DecisionApproveWithEdit {
		req.Arguments = t.Arguments
	}
	r.mu.Unlock()

	r.gate.record(r.turn, req, risk, string(d.Kind), d.Reason)
	r.gate.logger.Info("approval decided",
		zap.Int("turn", r.turn),
		zap.String("call_id", callID),
		zap.String("tool", req.ToolName),
		zap.String("decision", string(d.Kind)),
	)
	return nil
}

// closeDone must be called with r.mu held or before the round is shared.
func (r *Round) closeDone() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// Done is closed once no request is pending.
func (r *Round) Done() <-chan struct{} { return r.done }

// Wait blocks until every request has a decision. If ctx ends first the
// still-pending requests are aborted and ctx's error is returned.
func (r *Round) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.abortPending()
		return ctx.Err()
	case <-r.ctx.Done():
		r.abortPending()
		return r.ctx.Err()
	}
}

func (r *Round) abortPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if t := r.tickets[id]; t.State == StatePending {
			_ = t.move(StateAborted)
			r.remaining--
		}
	}
	r.closeDone()
}

// Transition moves a request to the given state.
func (r *Round) Transition(callID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, callID)
	}
	return t.move(to)
}

// AbortOpen aborts every request that is not yet terminal and returns
// their ids.
func (r *Round) AbortOpen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, id := range r.order {
		t := r.tickets[id]
		if t.State.IsTerminal() {
			continue
		}
		if t.State == StatePending {
			r.remaining--
		}
		if t.move(StateAborted) == nil {
			ids = append(ids, id)
		}
	}
	if r.remaining <= 0 {
		r.closeDone()
	}
	return ids
}

// Ticket returns a snapshot of one ticket.
func (r *Round) Ticket(callID string) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[callID]
	if !ok {
		return Ticket{}, false
	}
	return t.snapshot(), true
}

// Tickets returns snapshots of all tickets in request order.
func (r *Round) Tickets() []Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ticket, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tickets[id].snapshot())
	}
	return out
}

// Settled reports whether every ticket is terminal.
func (r *Round) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tickets {
		if !t.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Close stops outstanding deciders, aborts anything still pending and
// releases the request ids. It is safe to call more than once.
func (r *Round) Close() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
		r.abortPending()
		r.gate.release(r)
	})
}
