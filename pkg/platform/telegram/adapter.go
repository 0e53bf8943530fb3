// Package telegram implements the platform adapter for the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/voicetyped/chatflow/pkg/platform"
)

// Name is the platform identifier used in webhook paths and dialog keys.
const Name = "telegram"

// maxGroupSize is the Bot API limit for sendMediaGroup.
const maxGroupSize = 10

var errNotInitialized = errors.New("telegram adapter not initialized")

// Adapter implements platform.Adapter and platform.CallbackAcknowledger.
type Adapter struct {
	opts []Option

	mu     sync.RWMutex
	client *Client
	creds  platform.Credentials
	botID  int64
}

var (
	_ platform.Adapter              = (*Adapter)(nil)
	_ platform.CallbackAcknowledger = (*Adapter)(nil)
)

// NewAdapter creates an adapter; client options apply on Initialize.
func NewAdapter(opts ...Option) *Adapter {
	return &Adapter{opts: opts}
}

func (a *Adapter) Name() string { return Name }

// Initialize builds the API client and checks the token with getMe.
func (a *Adapter) Initialize(ctx context.Context, creds platform.Credentials) (bool, error) {
	if creds.Token == "" {
		return false, errors.New("telegram: token is required")
	}
	client := NewClient(creds.BaseURL, creds.Token, a.opts...)

	var me User
	if _, err := client.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return false, fmt.Errorf("telegram: getMe: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.creds = creds
	a.botID = me.ID
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) api() (*Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, errNotInitialized
	}
	return a.client, nil
}

func (a *Adapter) SendTextMessage(ctx context.Context, chatID, text string) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	var msg Message
	resp, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, &msg)
	return envelope(resp, err, msg.MessageID)
}

func (a *Adapter) SendButtons(ctx context.Context, chatID, text string, buttons []platform.Button) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	var msg Message
	resp, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": keyboard(buttons),
	}, &msg)
	return envelope(resp, err, msg.MessageID)
}

func keyboard(buttons []platform.Button) InlineKeyboardMarkup {
	rows := make([][]InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []InlineKeyboardButton{{
			Text:         b.Text,
			CallbackData: EncodeCallbackData(b.StepRef, b.Value),
		}})
	}
	return InlineKeyboardMarkup{InlineKeyboard: rows}
}

type sendMethod struct {
	method string
	field  string
}

var sendMethods = map[platform.MediaType]sendMethod{
	platform.MediaPhoto:     {"sendPhoto", "photo"},
	platform.MediaVideo:     {"sendVideo", "video"},
	platform.MediaDocument:  {"sendDocument", "document"},
	platform.MediaAudio:     {"sendAudio", "audio"},
	platform.MediaAnimation: {"sendAnimation", "animation"},
	platform.MediaVoice:     {"sendVoice", "voice"},
}

func (a *Adapter) SendMediaMessage(ctx context.Context, chatID string, item platform.MediaItem) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	var msg Message
	resp, err := a.sendMedia(ctx, c, chatID, item, &msg)
	return envelope(resp, err, msg.MessageID)
}

func (a *Adapter) sendMedia(ctx context.Context, c *Client, chatID string, item platform.MediaItem, out *Message) (*apiResponse, error) {
	sm, ok := sendMethods[item.Type]
	if !ok {
		return nil, fmt.Errorf("telegram: unsupported media type %q", item.Type)
	}
	if item.SourceKind == platform.SourcePath {
		fields := map[string]string{"chat_id": chatID}
		if item.Caption != "" {
			fields["caption"] = item.Caption
		}
		return c.callMultipart(ctx, sm.method, fields, []upload{{field: sm.field, path: item.Source}}, out)
	}
	params := map[string]any{
		"chat_id": chatID,
		sm.field:  item.Source,
	}
	if item.Caption != "" {
		params["caption"] = item.Caption
	}
	return c.call(ctx, sm.method, params, out)
}

// SendMediaGroup sends items as albums of at most ten. caption is attached
// to the first item when it has none of its own. A trailing single item is
// sent on its own since albums need two.
func (a *Adapter) SendMediaGroup(ctx context.Context, chatID string, items []platform.MediaItem, caption string) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("telegram: empty media group")
	}
	items = append([]platform.MediaItem(nil), items...)
	if caption != "" && items[0].Caption == "" {
		items[0].Caption = caption
	}

	out := &platform.Response{OK: true}
	for start := 0; start < len(items); start += maxGroupSize {
		chunk := items[start:min(start+maxGroupSize, len(items))]
		if len(chunk) == 1 {
			var msg Message
			resp, err := a.sendMedia(ctx, c, chatID, chunk[0], &msg)
			if err != nil {
				return envelope(resp, err, 0)
			}
			out.MessageIDs = append(out.MessageIDs, strconv.FormatInt(msg.MessageID, 10))
			continue
		}
		ids, resp, err := a.sendGroup(ctx, c, chatID, chunk)
		if err != nil {
			return envelope(resp, err, 0)
		}
		out.MessageIDs = append(out.MessageIDs, ids...)
	}
	return out, nil
}

func (a *Adapter) sendGroup(ctx context.Context, c *Client, chatID string, items []platform.MediaItem) ([]string, *apiResponse, error) {
	media := make([]InputMedia, 0, len(items))
	var files []upload
	for i, it := range items {
		switch it.Type {
		case platform.MediaPhoto, platform.MediaVideo, platform.MediaDocument, platform.MediaAudio:
		default:
			return nil, nil, fmt.Errorf("telegram: media type %q cannot be grouped", it.Type)
		}
		ref := it.Source
		if it.SourceKind == platform.SourcePath {
			field := "file" + strconv.Itoa(i)
			ref = "attach://" + field
			files = append(files, upload{field: field, path: it.Source})
		}
		media = append(media, InputMedia{Type: string(it.Type), Media: ref, Caption: it.Caption})
	}

	var msgs []Message
	var resp *apiResponse
	var err error
	if len(files) > 0 {
		encoded, mErr := json.Marshal(media)
		if mErr != nil {
			return nil, nil, mErr
		}
		resp, err = c.callMultipart(ctx, "sendMediaGroup", map[string]string{
			"chat_id": chatID,
			"media":   string(encoded),
		}, files, &msgs)
	} else {
		resp, err = c.call(ctx, "sendMediaGroup", map[string]any{
			"chat_id": chatID,
			"media":   media,
		}, &msgs)
	}
	if err != nil {
		return nil, resp, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, strconv.FormatInt(m.MessageID, 10))
	}
	return ids, resp, nil
}

func (a *Adapter) SetWebhook(ctx context.Context, url, secret string) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	resp, err := c.call(ctx, "setWebhook", params, nil)
	return envelope(resp, err, 0)
}

func (a *Adapter) DeleteWebhook(ctx context.Context) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "deleteWebhook", struct{}{}, nil)
	return envelope(resp, err, 0)
}

func (a *Adapter) GetWebhookInfo(ctx context.Context) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "getWebhookInfo", struct{}{}, nil)
	return envelope(resp, err, 0)
}

func (a *Adapter) GetFileFromPlatform(ctx context.Context, fileID string) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	var f File
	resp, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f)
	if err != nil {
		return envelope(resp, err, 0)
	}
	content, err := c.Download(ctx, f.FilePath)
	if err != nil {
		return &platform.Response{OK: false, Description: err.Error()}, err
	}
	name := filepath.Base(f.FilePath)
	out, _ := envelope(resp, nil, 0)
	out.FileID = f.FileID
	out.File = &platform.File{
		ID:       f.FileID,
		Name:     name,
		MIMEType: mime.TypeByExtension(filepath.Ext(name)),
		Content:  content,
	}
	return out, nil
}

// UploadFileToPlatform posts a local file to the configured storage chat and
// returns the file id Telegram assigned to it, for reuse in later sends.
func (a *Adapter) UploadFileToPlatform(ctx context.Context, path string, mediaType platform.MediaType) (*platform.Response, error) {
	c, err := a.api()
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	storage := a.creds.StorageChatID
	a.mu.RUnlock()
	if storage == "" {
		return nil, errors.New("telegram: upload needs a storage chat id")
	}
	if mediaType == "" {
		mediaType = platform.MediaDocument
	}

	var msg Message
	resp, err := a.sendMedia(ctx, c, storage, platform.MediaItem{
		Type:       mediaType,
		Source:     path,
		SourceKind: platform.SourcePath,
	}, &msg)
	if err != nil {
		return envelope(resp, err, 0)
	}
	out, _ := envelope(resp, nil, msg.MessageID)
	out.FileID = fileIDOf(&msg)
	if out.FileID == "" {
		return out, errors.New("telegram: upload response carried no file id")
	}
	return out, nil
}

// AnswerCallback acknowledges a button click so the client stops its spinner.
func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	c, err := a.api()
	if err != nil {
		return err
	}
	params := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	_, err = c.call(ctx, "answerCallbackQuery", params, nil)
	return err
}

func envelope(resp *apiResponse, err error, messageID int64) (*platform.Response, error) {
	out := &platform.Response{OK: err == nil}
	if resp != nil {
		out.ErrorCode = resp.ErrorCode
		out.Description = resp.Description
		out.Result = resp.Result
	}
	if err != nil {
		if out.Description == "" {
			out.Description = err.Error()
		}
		return out, err
	}
	if messageID != 0 {
		out.MessageIDs = []string{strconv.FormatInt(messageID, 10)}
	}
	return out, nil
}

func fileIDOf(m *Message) string {
	switch {
	case len(m.Photo) > 0:
		return largestPhoto(m.Photo).FileID
	case m.Video != nil:
		return m.Video.FileID
	case m.Document != nil:
		return m.Document.FileID
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Voice != nil:
		return m.Voice.FileID
	case m.Animation != nil:
		return m.Animation.FileID
	}
	return ""
}

func largestPhoto(sizes []PhotoSize) PhotoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best
}
