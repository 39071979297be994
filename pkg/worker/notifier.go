package worker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/client"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
)

const notifyTimeout = 10 * time.Second

type Mailer interface {
	Send(ctx context.Context, msg client.Email) (string, error)
}

// Notifier turns order status events into customer emails.
type Notifier struct {
	mailer   Mailer
	profiles repository.ProfileRepository
	siteURL  string
	logger   logrus.FieldLogger

	// tracks in-process sends so shutdown can wait for them
	wg *sync.WaitGroup
}

func NewNotifier(mailer Mailer, profiles repository.ProfileRepository, siteURL string, log logrus.FieldLogger) *Notifier {
	return &Notifier{
		mailer:   mailer,
		profiles: profiles,
		siteURL:  strings.TrimRight(siteURL, "/"),
		logger:   log.WithField("worker", "Notifier"),
	}
}

// TrackIn makes every background send from Publish count against wg, so a
// shutdown that waits on wg lets queued emails finish.
func (n *Notifier) TrackIn(wg *sync.WaitGroup) {
	n.wg = wg
}

// Publish handles the event in the background. Used when no broker is
// configured; the caller never waits on email.
func (n *Notifier) Publish(_ context.Context, ev model.OrderStatusEvent) {
	if n.wg != nil {
		n.wg.Add(1)
	}
	go func() {
		if n.wg != nil {
			defer n.wg.Done()
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.Handle(ctx, ev); err != nil {
			n.logger.Errorf("[Notifier] Failed to notify order %s (%s): %v", ev.OrderID, ev.Status, err)
		}
	}()
}

func (n *Notifier) Handle(ctx context.Context, ev model.OrderStatusEvent) error {
	var msgs []client.Email
	switch ev.Status {
	case model.OrderStatusConfirmed, model.EventResultsReady:
	default:
		return nil
	}

	to, err := n.recipient(ctx, ev)
	if err != nil {
		return err
	}
	if to == "" {
		n.logger.Warnf("[Notifier] No address for order %s, skipping %s email", ev.OrderID, ev.Status)
		return nil
	}

	if ev.Status == model.OrderStatusConfirmed {
		msgs = append(msgs, n.accountSetupEmail(to, ev), n.magicLinkEmail(to, ev))
	} else {
		msgs = append(msgs, n.resultsEmail(to, ev))
	}

	var errs []error
	for _, m := range msgs {
		id, err := n.mailer.Send(ctx, m)
		if errors.Is(err, client.ErrEmailDisabled) {
			n.logger.Debugf("[Notifier] Email disabled, dropping %q for order %s", m.Subject, ev.OrderID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Subject, err))
			continue
		}
		n.logger.Infof("[Notifier] Sent %q for order %s. ID: %s", m.Subject, ev.OrderID, id)
	}
	return errors.Join(errs...)
}

func (n *Notifier) recipient(ctx context.Context, ev model.OrderStatusEvent) (string, error) {
	if ev.Email != "" {
		return ev.Email, nil
	}
	if ev.UserID == "" || n.profiles == nil {
		return "", nil
	}
	p, err := n.profiles.GetProfile(ctx, ev.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up profile %s: %w", ev.UserID, err)
	}
	return p.Email, nil
}

func (n *Notifier) link(path string, q url.Values) string {
	return n.siteURL + path + "?" + q.Encode()
}

func (n *Notifier) accountSetupEmail(to string, ev model.OrderStatusEvent) client.Email {
	href := n.link("/account/setup", url.Values{"email": {to}, "order": {ev.OrderID}})
	return client.Email{
		To:      []string{to},
		Subject: "Your Balans order is confirmed",
		HTML: fmt.Sprintf(`<p>Thank you, your payment for order <strong>%s</strong> went through and your kit is on its way.</p>`+
			`<p><a href="%s">Set up your account</a> to follow your order and see your results when the lab is done.</p>`,
			html.EscapeString(ev.OrderID), html.EscapeString(href)),
	}
}

func (n *Notifier) magicLinkEmail(to string, ev model.OrderStatusEvent) client.Email {
	href := n.link("/login", url.Values{"email": {to}, "redirect": {"/account/orders/" + ev.OrderID}})
	return client.Email{
		To:      []string{to},
		Subject: "Your sign-in link",
		HTML:    fmt.Sprintf(`<p><a href="%s">Sign in to Balans</a>. The link is for you only, do not forward it.</p>`, html.EscapeString(href)),
	}
}

func (n *Notifier) resultsEmail(to string, ev model.OrderStatusEvent) client.Email {
	href := n.siteURL + "/account/results"
	return client.Email{
		To:      []string{to},
		Subject: "Your results are ready",
		HTML: fmt.Sprintf(`<p>The lab has finished with the sample from order <strong>%s</strong>.</p><p><a href="%s">See your results</a></p>`,
			html.EscapeString(ev.OrderID), html.EscapeString(href)),
	}
}
