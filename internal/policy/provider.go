package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// AuditSink receives audit events; *chain.Writer satisfies it.
type AuditSink interface {
	Write(ev dom.AuditEvent) error
}

// EventSink publishes audit events to a bus; events.Publisher satisfies it.
type EventSink interface {
	Publish(ctx context.Context, ev dom.AuditEvent) error
}

// Provider implements dom.PolicyProvider.
type Provider struct {
	rules     atomic.Pointer[Rules]
	templates dom.TemplateRepository
	audit     AuditSink
	events    EventSink
	log       *slog.Logger
	debounce  time.Duration

	mu       sync.Mutex
	watchers []*Watcher
}

type Option func(*Provider)

// WithTemplates resolves rule targets not defined inline from repo.
func WithTemplates(repo dom.TemplateRepository) Option {
	return func(p *Provider) { p.templates = repo }
}
func WithAudit(a AuditSink) Option  { return func(p *Provider) { p.audit = a } }
func WithEvents(e EventSink) Option { return func(p *Provider) { p.events = e } }
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithDebounce sets how long Watch waits for file events to settle.
func WithDebounce(d time.Duration) Option { return func(p *Provider) { p.debounce = d } }

func NewProvider(rules *Rules, opts ...Option) *Provider {
	p := &Provider{log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if rules == nil {
		rules = &Rules{}
	}
	p.rules.Store(rules)
	return p
}

var _ dom.PolicyProvider = (*Provider)(nil)

// SetRules swaps the active rule set.
func (p *Provider) SetRules(rs *Rules) {
	if rs == nil {
		rs = &Rules{}
	}
	p.rules.Store(rs)
}

func (p *Provider) Rules() *Rules { return p.rules.Load() }

// GetChainTemplate returns the template selected by the first matching rule,
// or (nil, nil) when no rule matches.
func (p *Provider) GetChainTemplate(ctx context.Context, q dom.TemplateQuery) (*dom.ChainTemplate, error) {
	rs := p.rules.Load()
	id := rs.match(q)
	if id == "" {
		return nil, nil
	}
	if id == dom.DefaultTemplateID {
		return dom.DefaultTemplate(), nil
	}
	if t := rs.inline(id); t != nil {
		return t, nil
	}
	if p.templates == nil {
		return nil, fmt.Errorf("policy rule targets unknown template %q: %w", id, dom.ErrNotFound)
	}
	t, err := p.templates.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("policy rule template: %w", err)
	}
	return t, nil
}

// WriteAuditEvent appends ev to the audit trail, then publishes it. A
// publish failure is logged and does not fail the write.
func (p *Provider) WriteAuditEvent(ctx context.Context, ev dom.AuditEvent) error {
	var err error
	if p.audit != nil {
		if werr := p.audit.Write(ev); werr != nil {
			err = fmt.Errorf("audit write: %w", werr)
		}
	}
	if p.events != nil {
		if perr := p.events.Publish(ctx, ev); perr != nil {
			p.log.Warn("publish audit event", "kind", ev.Kind, "approval_id", ev.ApprovalID, "error", perr)
		}
	}
	return err
}

// Close stops every watcher started through Watch.
func (p *Provider) Close() error {
	p.mu.Lock()
	ws := p.watchers
	p.watchers = nil
	p.mu.Unlock()
	var errs []error
	for _, w := range ws {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
