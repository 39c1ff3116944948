// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package rewrite reformats accepted posts with Gemini before publication.
package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-1.5-flash"

const systemPrompt = "Ты редактор Telegram-канала с акцентом на короткий, чистый и продающий стиль."

const promptTemplate = `Перепиши текст объявления для Telegram в едином стиле.
Сохрани факты, цену, условия, контакты и эмодзи по смыслу.
Не добавляй вымышленные данные. Верни только итоговый текст поста без пояснений.

ФОРМАТ ОТВЕТА:
- [название товара] (если есть)
- Цена на МП: [цена без кэшбека] (если есть)
- Цена с кэшбеком: [цена с кэшбеком] (если есть)
- Кэшбек: [процент кэшбека]%% (если есть)
- [условия заказа + ссылка на аккаунт в телеграме] (если есть)

Если отсутствует какой-то из пунктов, то не включай его в ответ.

Исходный текст:
%s`

// Config configures a Rewriter.
type Config struct {
	APIKey string
	Model  string // defaultModel when empty
	Logger *slog.Logger
}

// Rewriter rewrites offer posts into the channel's house style.
type Rewriter struct {
	client *genai.Client
	model  *genai.GenerativeModel
	slog   *slog.Logger

	generate func(ctx context.Context, prompt string) (string, error)
}

// New connects to the Gemini API.
func New(ctx context.Context, cfg Config) (*Rewriter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}

	name := cfg.Model
	if name == "" {
		name = defaultModel
	}
	model := client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	r := &Rewriter{
		client: client,
		model:  model,
		slog:   cfg.Logger,
	}
	if r.slog == nil {
		r.slog = slog.Default()
	}
	r.generate = r.generateContent
	return r, nil
}

// Close releases the API connection.
func (r *Rewriter) Close() error { return r.client.Close() }

// Rewrite returns text reformatted by the model. The original text comes
// back unchanged when generation fails or returns nothing: a post must
// never be lost to a flaky model.
func (r *Rewriter) Rewrite(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	rewritten, err := r.generate(ctx, fmt.Sprintf(promptTemplate, text))
	if err != nil {
		r.slog.Warn("rewrite failed", "error", err)
		return text
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return text
	}
	return rewritten
}

func (r *Rewriter) generateContent(ctx context.Context, prompt string) (string, error) {
	resp, err := r.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String(), nil
}
