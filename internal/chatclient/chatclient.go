// Package chatclient is a hand-rolled HTTP client for the external
// chat platform walletwatch delivers notifications through. It follows
// the same bare net/http client shape as the teacher's Alchemy
// provider and rpcfanout's JSON-RPC transport: a small struct wrapping
// *http.Client plus one JSON-decoding helper per endpoint.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/walletwatch/walletwatch/internal/errs"
)

const defaultTimeout = 10 * time.Second

// Client talks to one bot token's REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// New builds a Client for the given bot token. baseURL defaults to the
// platform's standard API root when empty, overridable for testing.
func New(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		token:      token,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessageParams mirrors the platform's sendMessage payload. ParseMode
// and DisableWebPagePreview are left blank here and injected by call's
// transport-layer interceptor (spec §4.8), not set by callers directly.
type SendMessageParams struct {
	ChatID                string       `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *ReplyMarkup `json:"reply_markup,omitempty"`
}

// ReplyMarkup carries C9's rendered inline buttons.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is one URL button.
type InlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// EditMessageParams mirrors editMessageText.
type EditMessageParams struct {
	ChatID                string       `json:"chat_id"`
	MessageID             string       `json:"message_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *ReplyMarkup `json:"reply_markup,omitempty"`
}

// SendMessage posts a new message and returns its platform message id.
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (string, error) {
	var result struct {
		MessageID int `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", p, &result); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", result.MessageID), nil
}

// EditMessageText edits a previously sent message's text in place.
func (c *Client) EditMessageText(ctx context.Context, p EditMessageParams) error {
	return c.call(ctx, "editMessageText", p, nil)
}

// GetMe verifies the bot token and returns the bot's username.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	var result struct {
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", struct{}{}, &result); err != nil {
		return "", err
	}
	return result.Username, nil
}

// SetMyCommands registers the bot's slash-command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []Command) error {
	return c.call(ctx, "setMyCommands", struct {
		Commands []Command `json:"commands"`
	}{Commands: commands}, nil)
}

// Command is one registered slash command.
type Command struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// call issues one POST to method with a JSON body, classifying the
// platform's error responses per spec §7/§4.8: rate-limited (429,
// advisory retry_after), subscriber-unreachable, malformed-message, or
// other.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(applyTransportDefaults(params))
	if err != nil {
		return errs.NewTerminal(errs.CodeDeliveryMalformed, "encode request", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.NewTerminal(errs.CodeDeliveryOther, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.NewRetryable(errs.CodeTransientRPC, "chat API request failed", nil, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.NewRetryable(errs.CodeTransientRPC, "read chat API response", nil, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errs.NewTerminal(errs.CodeDeliveryOther, "decode chat API response", err)
	}

	if !envelope.OK {
		return classifyAPIError(resp.StatusCode, envelope)
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errs.NewTerminal(errs.CodeDeliveryOther, "decode chat API result", err)
		}
	}
	return nil
}

// applyTransportDefaults is the spec §4.8 interceptor: HTML formatting
// and disabled link previews are injected here, once, so individual
// callers (and processSend/processEdit) never have to set them.
func applyTransportDefaults(params interface{}) interface{} {
	switch p := params.(type) {
	case SendMessageParams:
		if p.ParseMode == "" {
			p.ParseMode = "HTML"
		}
		p.DisableWebPagePreview = true
		return p
	case EditMessageParams:
		if p.ParseMode == "" {
			p.ParseMode = "HTML"
		}
		p.DisableWebPagePreview = true
		return p
	default:
		return params
	}
}

func classifyAPIError(statusCode int, envelope apiResponse) error {
	if statusCode == http.StatusTooManyRequests || envelope.ErrorCode == http.StatusTooManyRequests {
		var retryAfter *time.Duration
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			d := time.Duration(envelope.Parameters.RetryAfter) * time.Second
			retryAfter = &d
		}
		return errs.NewRetryable(errs.CodeDeliveryRateLimited, envelope.Description, retryAfter, nil)
	}

	if isSubscriberUnreachable(envelope.Description) {
		return errs.NewTerminal(errs.CodeDeliverySubscriberGone, envelope.Description, nil)
	}

	if isMalformedMessage(envelope.Description) {
		return errs.NewTerminal(errs.CodeDeliveryMalformed, envelope.Description, nil)
	}

	return errs.NewTerminal(errs.CodeDeliveryOther, envelope.Description, nil)
}

func isSubscriberUnreachable(description string) bool {
	lower := strings.ToLower(description)
	for _, needle := range []string{
		"bot was blocked",
		"user is deactivated",
		"chat not found",
		"kicked",
		"peer_id_invalid",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func isMalformedMessage(description string) bool {
	lower := strings.ToLower(description)
	for _, needle := range []string{
		"message to edit not found",
		"can't parse entities",
		"message text is empty",
		"message_empty",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
