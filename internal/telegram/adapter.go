// Package telegram wraps the Telegram Bot API as a delivery channel.
// It classifies send failures as retryable or permanent so callers can
// decide between falling back to a plainer message and giving up on a
// chat for the rest of a batch.
package telegram

import (
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Result is the outcome of a single send attempt.
// Retryable is only meaningful when OK is false: a retryable failure is
// expected to clear on its own (network, rate limit, server error) and
// the send should simply happen again on a later run; a non-retryable
// one will fail the same way every time.
type Result struct {
	OK        bool
	Retryable bool
	Err       error
}

type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter sends listing notifications over the Telegram Bot API.
type Adapter struct {
	api api
}

// New creates an Adapter with the given Telegram token.
func New(token string) (*Adapter, error) {
	a, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Adapter{api: a}, nil
}

// NewWithAPI creates an Adapter around an existing API client (useful for testing).
func NewWithAPI(a api) *Adapter {
	return &Adapter{api: a}
}

// SendPlain sends a text-only message to the given chat.
func (a *Adapter) SendPlain(chatID int64, text string) Result {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := a.api.Send(msg); err != nil {
		return classify(err)
	}
	return Result{OK: true}
}

// SendRich sends a photo with a caption to the given chat.
func (a *Adapter) SendRich(chatID int64, photoURL, caption string) Result {
	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	msg.Caption = caption
	if _, err := a.api.Send(msg); err != nil {
		return classify(err)
	}
	return Result{OK: true}
}

// Substrings of Telegram Bad Request messages that identify a failure as
// permanent: either the chat itself is unusable or the attachment is
// structurally invalid. Anything not recognized stays retryable so a
// misclassification delays a message instead of dropping it.
var permanentMessages = []string{
	"chat not found",
	"user is deactivated",
	"bot was kicked",
	"not enough rights",
	"wrong file identifier",
	"failed to get http url content",
	"wrong type of the web page content",
	"photo_invalid_dimensions",
	"file is too big",
}

func classify(err error) Result {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// Transport-level failure, no response from Telegram.
		return Result{Retryable: true, Err: err}
	}

	switch {
	case apiErr.Code == 429:
		return Result{Retryable: true, Err: err}
	case apiErr.Code >= 500:
		return Result{Retryable: true, Err: err}
	case apiErr.Code == 403:
		// Forbidden: blocked by the user or removed from the chat.
		return Result{Retryable: false, Err: err}
	case apiErr.Code == 400:
		msg := strings.ToLower(apiErr.Message)
		for _, p := range permanentMessages {
			if strings.Contains(msg, p) {
				return Result{Retryable: false, Err: err}
			}
		}
		return Result{Retryable: true, Err: err}
	default:
		return Result{Retryable: true, Err: err}
	}
}
