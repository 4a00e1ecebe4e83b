package bot

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v3"

	"tech-events-bot/config"
	"tech-events-bot/db"
	"tech-events-bot/templates"
)

// Bot is the Telegram transport: it feeds chat commands to a Processor and
// delivers broadcast messages.
type Bot struct {
	bot       *tele.Bot
	processor *Processor
	webhook   *tele.Webhook
	path      string
	log       zerolog.Logger
}

// New connects to Telegram. A public URL selects webhook mode, otherwise the
// bot long-polls.
func New(cfg config.TelegramConfig, sendTimeout time.Duration, processor *Processor, log zerolog.Logger) (*Bot, error) {
	b := &Bot{
		processor: processor,
		log:       log.With().Str("component", "telegram").Logger(),
	}
	s := tele.Settings{
		Token:     cfg.Token,
		ParseMode: tele.ModeMarkdown,
		Client:    &http.Client{Timeout: sendTimeout + cfg.PollTimeout.Std()},
		OnError:   b.onError,
	}
	if cfg.PublicURL != "" {
		b.path = "/webhook/" + cfg.Token
		b.webhook = &tele.Webhook{
			Endpoint: &tele.WebhookEndpoint{
				PublicURL: strings.TrimRight(cfg.PublicURL, "/") + b.path,
			},
		}
		s.Poller = b.webhook
	} else {
		s.Poller = &tele.LongPoller{Timeout: cfg.PollTimeout.Std()}
	}
	bot, err := tele.NewBot(s)
	if err != nil {
		return nil, errors.Wrap(err, "error during creation of a new bot")
	}
	b.bot = bot

	for _, endpoint := range []string{"/start", "/stop", "/events", "/count", "/help", tele.OnText} {
		bot.Handle(endpoint, b.handle)
	}
	return b, nil
}

// Webhook returns the handler and path to mount on the HTTP server, or a
// nil handler in long-poll mode.
func (b *Bot) Webhook() (string, http.Handler) {
	if b.webhook == nil {
		return "", nil
	}
	return b.path, b.webhook
}

// Start blocks until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	mode := "polling"
	if b.webhook != nil {
		mode = "webhook"
	}
	b.log.Info().Str("mode", mode).Str("username", b.bot.Me.Username).Msg("bot started")
	b.bot.Start()
	b.log.Info().Msg("bot stopped")
}

func (b *Bot) handle(c tele.Context) error {
	from := db.SubscriberInfo{Id: strconv.FormatInt(c.Chat().ID, 10)}
	if sender := c.Sender(); sender != nil {
		from.Name = strings.TrimSpace(sender.FirstName)
		from.Username = sender.Username
	}
	reply := b.processor.Handle(context.Background(), ParseCommand(c.Text()), from)
	return c.Send(reply)
}

func (b *Bot) onError(err error, c tele.Context) {
	event := b.log.Error().Err(err)
	if c == nil || c.Chat() == nil {
		event.Msg("telegram error")
		return
	}
	event.Int64("chat", c.Chat().ID).Msg("unable to handle update")
	if err := c.Send(templates.UnexpectedError); err != nil {
		b.log.Error().Err(err).Msg("unable to report error to chat")
	}
}

// Send delivers text to one chat. telebot has no context support, so the
// call is abandoned, not cancelled, when ctx expires.
func (b *Bot) Send(ctx context.Context, subscriberId string, text string) error {
	chatId, err := parseChatId(subscriberId)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.bot.Send(chatId, text)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseChatId(id string) (tele.ChatID, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid chat id %q", id)
	}
	return tele.ChatID(n), nil
}
