package bot

import (
	"context"
	"errors"
	"fmt"

	"listing_bot/internal/model"
	"listing_bot/internal/storage"
)

// lookupFilter loads a filter and checks it belongs to the chat. On
// failure the returned reply text is sent to the user as-is; filters
// owned by other chats read as missing rather than forbidden.
func (b *Bot) lookupFilter(ctx context.Context, chatID, id int64) (*model.Filter, string) {
	f, err := b.store.GetFilter(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Sprintf("Filter #%d not found.", id)
	case err != nil:
		b.log.Error("load filter", "chat_id", chatID, "filter_id", id, "error", err)
		return nil, "Storage error, please try again later."
	case f.ChatID != chatID:
		return nil, fmt.Sprintf("Filter #%d not found.", id)
	}
	return f, ""
}

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Listing Alert Bot!

Create filters and get notified when a matching apartment listing appears.

Quick start:
1. /add maxprice=5000 city="Tel Aviv" — create a filter
2. /filters — list your filters
3. /check — run a check right now

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Filter management:
/add <criteria> — create a filter
/filters — show all your filters
/filter <id> — filter details
/remove <id> — delete a filter
/pause <id> — stop notifications for a filter
/resume <id> — resume notifications
/check — check for new matches now

Criteria (key=value, repeatable where it makes sense):
name=<label> — optional filter name
minprice=<n> maxprice=<n> — price bounds
minrooms=<n> maxrooms=<n> — bedroom bounds
city=<name> area=<name> — allowed locations
keyword=<word> — require a word in title/description (any of)
tag=<tag> — require a tag (all of)
-tag=<tag> — reject a tag (none of)

Quote values with spaces: city="Tel Aviv"`)
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, `Usage: /add <criteria>, e.g. /add maxprice=5000 city="Tel Aviv"`)
		return
	}

	f, err := ParseFilterSpec(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Could not parse filter: %v", err))
		return
	}
	f.ChatID = chatID

	if err := b.store.CreateFilter(ctx, &f); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save filter: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Filter #%d created: %s\nYou will be notified about new matching listings.",
		f.ID, summarizeCriteria(f)))
}

func (b *Bot) handleFilters(ctx context.Context, chatID int64) {
	filters, err := b.store.ListFilters(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatFilterList(filters))
}

func (b *Bot) handleFilterInfo(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /filter <id>")
		return
	}

	f, msg := b.lookupFilter(ctx, chatID, id)
	if f == nil {
		b.reply(chatID, msg)
		return
	}
	b.reply(chatID, FormatFilterInfo(f))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <id>")
		return
	}

	f, msg := b.lookupFilter(ctx, chatID, id)
	if f == nil {
		b.reply(chatID, msg)
		return
	}

	if err := b.store.DeleteFilter(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error deleting filter: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter #%d deleted.", id))
}

func (b *Bot) handleSetEnabled(ctx context.Context, chatID int64, args string, enabled bool) {
	verb := "paused"
	usage := "Usage: /pause <id>"
	if enabled {
		verb = "resumed"
		usage = "Usage: /resume <id>"
	}

	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, usage)
		return
	}

	f, msg := b.lookupFilter(ctx, chatID, id)
	if f == nil {
		b.reply(chatID, msg)
		return
	}

	f.Enabled = enabled
	if err := b.store.UpdateFilter(ctx, f); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter #%d %s.", id, verb))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64) {
	if b.runner == nil {
		b.reply(chatID, "Checking is not available right now.")
		return
	}

	report, err := b.runner.Run(ctx)
	if err != nil {
		b.log.Error("manual check", "chat_id", chatID, "error", err)
		b.reply(chatID, "Check failed, please try again later.")
		return
	}
	b.reply(chatID, FormatReport(report))
}
