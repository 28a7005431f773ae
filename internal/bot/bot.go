// Package bot implements the Telegram command surface for managing
// listing filters.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"listing_bot/internal/config"
	"listing_bot/internal/dispatch"
	"listing_bot/internal/storage"
	"listing_bot/internal/telegram"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// BatchRunner runs one dispatch batch on demand (the /check command).
type BatchRunner interface {
	Run(ctx context.Context) (*dispatch.Report, error)
}

// Bot is the Telegram bot that handles user commands. It also implements
// dispatch.Sender so the dispatcher delivers through the same connection.
type Bot struct {
	api     telegramAPI
	adapter *telegram.Adapter
	store   storage.Storage
	cfg     *config.Config
	runner  BatchRunner
	log     *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, and config.
func New(token string, store storage.Storage, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:     api,
		adapter: telegram.NewWithAPI(api),
		store:   store,
		cfg:     cfg,
		log:     log,
	}, nil
}

// SetBatchRunner wires the dispatcher used by the /check command.
func (b *Bot) SetBatchRunner(r BatchRunner) {
	b.runner = r
}

// SendPlain implements dispatch.Sender.
func (b *Bot) SendPlain(chatID int64, text string) telegram.Result {
	return b.adapter.SendPlain(chatID, text)
}

// SendRich implements dispatch.Sender.
func (b *Bot) SendRich(chatID int64, photoURL, caption string) telegram.Result {
	return b.adapter.SendRich(chatID, photoURL, caption)
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "filters":
		b.handleFilters(ctx, chatID)
	case "filter":
		b.handleFilterInfo(ctx, chatID, args)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "pause":
		b.handleSetEnabled(ctx, chatID, args, false)
	case "resume":
		b.handleSetEnabled(ctx, chatID, args, true)
	case "check":
		b.handleCheck(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
