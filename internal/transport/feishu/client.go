package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sjoeboo/codexrelay/internal/logging"
	"github.com/sjoeboo/codexrelay/internal/transport"
)

func splitChunks(text string, soft, hard int) []string {
	return transport.SplitMessage(text, soft, hard)
}

// Feishu counts text message length in characters with a 2000 cap;
// cards take more. Chunk sizes follow the platform limits with headroom.
const (
	textChunkSoft = 1800
	textChunkHard = 2000
	cardChunkSoft = 3200
	cardChunkHard = 3600
)

const defaultBaseURL = "https://open.feishu.cn"

// Client is a minimal Feishu open-platform API client covering tenant
// auth and message sending.
type Client struct {
	appID     string
	appSecret string
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	log       *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Client. baseURL empty selects the public endpoint.
func NewClient(appID, appSecret, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		// Platform limit is 50 QPS per app; stay well under it
		limiter: rate.NewLimiter(rate.Limit(10), 4),
		log:     logging.ForComponent(logging.CompFeishu),
	}
}

// tenantToken returns a cached tenant_access_token, refreshing it when
// less than a minute of validity remains.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tenant token request: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("tenant token response: %w", err)
	}
	if parsed.Code != 0 {
		return "", fmt.Errorf("tenant token refused: code=%d msg=%s", parsed.Code, parsed.Msg)
	}

	c.token = parsed.Token
	c.tokenExpiry = time.Now().Add(time.Duration(parsed.Expire) * time.Second)
	return c.token, nil
}

// SendText delivers text to a chat or user in size-capped chunks.
// receiveIDType is "chat_id" or "open_id".
func (c *Client) SendText(ctx context.Context, receiveIDType, receiveID, text string) error {
	return c.sendChunks(ctx, receiveIDType, receiveID, text, textChunkSoft, textChunkHard,
		func(chunk string) (msgType string, content []byte) {
			raw, _ := json.Marshal(map[string]string{"text": chunk})
			return "text", raw
		})
}

// SendCard delivers markdown as interactive lark_md cards, splitting
// long content across cards with a part counter in the title.
func (c *Client) SendCard(ctx context.Context, chatID, title, markdown string) error {
	chunks := splitChunks(markdown, cardChunkSoft, cardChunkHard)
	total := len(chunks)
	for i, chunk := range chunks {
		chunkTitle := title
		if total > 1 {
			if chunkTitle == "" {
				chunkTitle = fmt.Sprintf("(%d/%d)", i+1, total)
			} else {
				chunkTitle = fmt.Sprintf("%s (%d/%d)", title, i+1, total)
			}
		}
		content := cardContent(chunkTitle, chunk)
		if err := c.createMessage(ctx, "chat_id", chatID, "interactive", content); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendChunks(ctx context.Context, receiveIDType, receiveID, text string,
	soft, hard int, build func(chunk string) (string, []byte)) error {
	for _, chunk := range splitChunks(text, soft, hard) {
		msgType, content := build(chunk)
		if err := c.createMessage(ctx, receiveIDType, receiveID, msgType, content); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) createMessage(ctx context.Context, receiveIDType, receiveID, msgType string, content []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    string(content),
	})
	url := fmt.Sprintf("%s/open-apis/im/v1/messages?receive_id_type=%s", c.baseURL, receiveIDType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("create message: status %d: %s", resp.StatusCode, string(raw))
	}
	if parsed.Code != 0 {
		return fmt.Errorf("create message refused: code=%d msg=%s type=%s", parsed.Code, parsed.Msg, msgType)
	}
	return nil
}

// cardContent builds the interactive card JSON for one chunk.
func cardContent(title, markdown string) []byte {
	card := map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"elements": []any{
			map[string]any{
				"tag":  "div",
				"text": map[string]any{"tag": "lark_md", "content": markdown},
			},
		},
	}
	if title != "" {
		card["header"] = map[string]any{
			"template": "blue",
			"title":    map[string]any{"tag": "plain_text", "content": title},
		}
	}
	raw, _ := json.Marshal(card)
	return raw
}
