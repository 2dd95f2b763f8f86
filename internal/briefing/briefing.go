// Package briefing is the cron-driven digest engine: at 06:00 and 18:00
// Lima time it composes a prioritised agenda per user and pushes it.
package briefing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"nexus/internal/models"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/textctx"
)

const digestBullets = 5

// Scheduler owns the two in-process cron jobs. It is constructed once at
// startup and stopped at shutdown; any external cron can drive the same
// Run methods instead.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	sender push.Sender
	log    *zap.SugaredLogger
}

func New(s *store.Store, sender push.Sender, log *zap.SugaredLogger) *Scheduler {
	sc := &Scheduler{
		cron:   cron.New(cron.WithLocation(textctx.Lima)),
		store:  s,
		sender: sender,
		log:    log,
	}
	sc.cron.AddFunc("0 6 * * *", func() { sc.RunMorning(context.Background()) })
	sc.cron.AddFunc("0 18 * * *", func() { sc.RunEvening(context.Background()) })
	return sc
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { s.cron.Stop() }

// RunMorning sends each user their agenda for today. Users with nothing
// due still get a short all-clear.
func (s *Scheduler) RunMorning(ctx context.Context) {
	now := time.Now().In(textctx.Lima)
	cutoff := endOfDay(now)
	s.runDigest(ctx, cutoff, "Buenos días ☀️", "Tu agenda de hoy:", true)
}

// RunEvening sends each user tomorrow's plan. Users with nothing due get
// nothing.
func (s *Scheduler) RunEvening(ctx context.Context) {
	now := time.Now().In(textctx.Lima)
	cutoff := endOfDay(now.AddDate(0, 0, 1))
	s.runDigest(ctx, cutoff, "Plan para mañana 🌙", "Esto te espera mañana:", false)
}

func (s *Scheduler) runDigest(ctx context.Context, cutoff time.Time, title, header string, sendWhenEmpty bool) {
	users, err := s.store.UsersWithPushToken()
	if err != nil {
		if s.log != nil {
			s.log.Errorw("briefing: user listing failed", "err", err)
		}
		return
	}

	for _, u := range users {
		alerts, err := s.store.AlertsDueBy(u.ID, cutoff)
		if err != nil {
			if s.log != nil {
				s.log.Warnw("briefing: alert fetch failed", "user_id", u.ID, "err", err)
			}
			continue
		}

		if len(alerts) == 0 {
			if !sendWhenEmpty {
				continue
			}
			s.send(ctx, u.PushToken, models.PushNotification{
				Title: title,
				Body:  "No tienes pendientes urgentes hoy.",
				Data:  map[string]string{models.PushKeyTipo: "briefing"},
			})
			continue
		}

		s.send(ctx, u.PushToken, models.PushNotification{
			Title: title,
			Body:  header + "\n" + ComposeDigest(alerts),
			Data: map[string]string{
				models.PushKeyTipo: "briefing",
				models.PushKeyIrA:  "alertas",
			},
		})
	}
}

// ComposeDigest renders the top alerts as bullets, importance first,
// appending a "…y N más" tail when the list overflows. The input is
// already importance-ordered by the store.
func ComposeDigest(alerts []models.Alert) string {
	var b strings.Builder
	shown := alerts
	if len(shown) > digestBullets {
		shown = shown[:digestBullets]
	}
	for _, a := range shown {
		if a.DueAt != nil {
			fmt.Fprintf(&b, "• %s (%s)\n", a.Title, a.DueAt.In(textctx.Lima).Format("15:04"))
		} else {
			fmt.Fprintf(&b, "• %s\n", a.Title)
		}
	}
	if rest := len(alerts) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "…y %d más", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Scheduler) send(ctx context.Context, token string, n models.PushNotification) {
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(ctx, token, n); err != nil && s.log != nil {
		s.log.Warnw("briefing: push failed", "err", err)
	}
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, textctx.Lima)
}
