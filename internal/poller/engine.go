// Package poller watches a portal folder and notifies once per newly
// answered message.
package poller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"consultwatch/internal/assert"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/notify"
	"consultwatch/internal/portal"
)

const (
	report_engine_cycle   = "engine.cycle"
	report_engine_deliver = "engine.deliver"
	report_engine_detail  = "engine.fetch-detail"
	report_engine_cursor  = "engine.cursor"
	report_engine_new     = "engine.new-records"
)

// Sessions hands out a valid portal session while holding the auth lock.
type Sessions interface {
	WithSession(ctx context.Context, fn func(ctx context.Context, session portal.Session) error) error
}

type Portal interface {
	ListFolder(ctx context.Context, session portal.Session, folder string) ([]portal.MessageSummary, error)
	FetchDetail(ctx context.Context, session portal.Session, detailUrl string) (portal.MessageDetail, error)
}

type CursorStorage interface {
	Load(ctx context.Context) (Cursor, bool, error)
	Save(ctx context.Context, lastNotifiedId int64) error
}

type Options struct {
	Folder   string
	Interval time.Duration
	// Backoff is waited instead of Interval after a failed cycle.
	Backoff time.Duration
}

type Engine struct {
	sessions Sessions
	portal   Portal
	cursor   CursorStorage
	sink     notify.Sink
	options  Options
	tel      telemetry.API
}

func NewEngine(
	sessions Sessions,
	p Portal,
	cursor CursorStorage,
	sink notify.Sink,
	options Options,
	tel telemetry.API,
) *Engine {
	assert.NotNil(sessions)
	assert.NotNil(p)
	assert.NotNil(cursor)
	assert.NotNil(sink)
	assert.NotNil(tel)

	if options.Folder == "" {
		options.Folder = "inbox"
	}
	if options.Interval <= 0 {
		options.Interval = time.Minute * 5
	}
	if options.Backoff <= 0 {
		options.Backoff = time.Second * 30
	}

	return &Engine{
		sessions: sessions,
		portal:   p,
		cursor:   cursor,
		sink:     sink,
		options:  options,
		tel:      telemetry.NewScopedAPI("poller", tel),
	}
}

// CycleResult describes what a single cycle did.
type CycleResult struct {
	Skipped   bool
	Seeded    bool
	Delivered []int64
	Failed    []int64
	Cursor    int64
}

// Cycle runs one ensure, list, diff, deliver and persist pass. An
// unauthenticated portal skips the cycle without error.
func (e *Engine) Cycle(ctx context.Context) (result CycleResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("poll cycle panicked: %v", recovered)
			e.tel.ReportBroken(report_engine_cycle, err)
		}
	}()

	var session portal.Session
	var summaries []portal.MessageSummary
	err = e.sessions.WithSession(ctx, func(ctx context.Context, s portal.Session) error {
		session = s
		list, err := e.portal.ListFolder(ctx, s, e.options.Folder)
		summaries = list
		return err
	})
	if errors.Is(err, portal.ErrNoSession) {
		e.tel.ReportDebug("not authenticated, skipping cycle")
		return CycleResult{Skipped: true}, nil
	}
	if err != nil {
		e.tel.ReportBroken(report_engine_cycle, err)
		return CycleResult{}, err
	}

	answered := make([]portal.MessageSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.Answered {
			answered = append(answered, s)
		}
	}
	if len(answered) == 0 {
		e.tel.ReportDebug("no answered messages", len(summaries))
		return CycleResult{Skipped: true}, nil
	}

	observedMax := answered[0].Id
	for _, s := range answered[1:] {
		observedMax = max(observedMax, s.Id)
	}

	cursor, exists, err := e.cursor.Load(ctx)
	if err != nil {
		e.tel.ReportBroken(report_engine_cursor, err)
		return CycleResult{}, err
	}
	if !exists {
		e.tel.ReportDebug("seeding cursor", observedMax)
		err = e.cursor.Save(context.WithoutCancel(ctx), observedMax)
		if err != nil {
			e.tel.ReportBroken(report_engine_cursor, err)
			return CycleResult{}, err
		}
		return CycleResult{Seeded: true, Cursor: observedMax}, nil
	}

	var fresh []portal.MessageSummary
	for _, s := range answered {
		if s.Id > cursor.LastNotifiedId {
			fresh = append(fresh, s)
		}
	}
	slices.SortFunc(fresh, func(a, b portal.MessageSummary) int {
		if a.Id < b.Id {
			return -1
		}
		if a.Id > b.Id {
			return 1
		}
		return 0
	})
	e.tel.ReportCount(report_engine_new, int64(len(fresh)))

	result = CycleResult{Cursor: cursor.LastNotifiedId}
	for _, s := range fresh {
		err := e.deliver(ctx, session, s)
		if err != nil {
			result.Failed = append(result.Failed, s.Id)
			continue
		}
		result.Delivered = append(result.Delivered, s.Id)
	}

	if observedMax <= cursor.LastNotifiedId {
		return result, nil
	}
	err = e.cursor.Save(context.WithoutCancel(ctx), observedMax)
	if err != nil {
		e.tel.ReportBroken(report_engine_cursor, err)
		return result, err
	}
	result.Cursor = observedMax
	return result, nil
}

// deliver notifies about one message, the summary is sent alone when the
// detail page cannot be fetched.
func (e *Engine) deliver(ctx context.Context, session portal.Session, summary portal.MessageSummary) error {
	n := notify.Notification{Summary: summary}
	detail, err := e.portal.FetchDetail(ctx, session, summary.Url)
	if err != nil {
		e.tel.ReportWarning(report_engine_detail, summary.Id, err)
	} else {
		n.Detail = &detail
	}

	err = e.sink.Notify(ctx, n)
	if err != nil {
		e.tel.ReportBroken(report_engine_deliver, summary.Id, err)
		return err
	}
	return nil
}

// Run calls Cycle until ctx is done, waiting Interval between cycles or
// Backoff after a failed one.
func (e *Engine) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		wait := e.options.Interval
		result, err := e.Cycle(ctx)
		if err != nil {
			wait = e.options.Backoff
		} else {
			e.tel.ReportDebug(
				"cycle done",
				"skipped", result.Skipped,
				"seeded", result.Seeded,
				"delivered", len(result.Delivered),
				"failed", len(result.Failed),
				"cursor", result.Cursor,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
